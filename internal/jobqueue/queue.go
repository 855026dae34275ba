// ============================================================================
// Voxel-Pipeline Job Queue - 優先級任務佇列
// ============================================================================
//
// Package: internal/jobqueue
// 文件: queue.go
// 功能: 執行緒安全的優先級佇列，所有提交者與消費者共享
//
// 排序規則 (嚴格全序):
//   1. 主鍵：優先級序數（越小越先出列）
//   2. 次鍵：提交序號（同優先級內 FIFO）
//   序號唯一，因此不存在 (priority, seq) 相同的兩個任務
//
// 飢餓:
//   持續提交 CRITICAL 任務會讓 BACKGROUND 無限期等待。
//   這是可接受的取捨：光照與網格是 CRITICAL，生成是 NEAR。
//
// 操作:
//   Submit(job)    - 任意 goroutine 可並發呼叫
//   Take(ctx)      - 阻塞直到有任務或 ctx 取消（Worker 使用）
//   TryTake()      - 非阻塞
//   Drain(budget)  - 在呼叫者 goroutine 上執行任務直到佇列為空或預算用完
//   Close()        - 丟棄未開始的任務並喚醒所有等待者
//
// 並發控制:
//   - mu + cond：監視器模式（monitor）
//   - ctx 取消透過 context.AfterFunc 在持鎖狀態下 Broadcast，不會遺失喚醒
//   - 每次變更都在鎖內更新 telemetry 的佇列深度，讀者看到的值不會倒序
//
// ============================================================================

package jobqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/voxel-pipeline/internal/metrics"
	"github.com/ChuLiYu/voxel-pipeline/internal/telemetry"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrQueueClosed 佇列已關閉，無法提交或取出任務
	ErrQueueClosed = errors.New("job queue is closed")
	// ErrNilJob 提交了 nil 任務
	ErrNilJob = errors.New("job is nil")
	// ErrInvalidPriority 任務的優先級不在已知範圍內
	ErrInvalidPriority = errors.New("invalid job priority")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// jobHeap 實作 container/heap.Interface
type jobHeap []*ScheduledJob

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*ScheduledJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue 優先級任務佇列
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending jobHeap
	seq     uint64
	closed  bool

	tm      *telemetry.Telemetry
	metrics *metrics.Collector
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的任務佇列，tm 與 m 可以為 nil
func New(tm *telemetry.Telemetry, m *metrics.Collector) *Queue {
	q := &Queue{
		pending: make(jobHeap, 0, 64),
		tm:      tm,
		metrics: m,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit 將任務包裝為 ScheduledJob 並插入佇列
//
// 返回值：
//   - *ScheduledJob: 帶有排序鍵的任務
//   - error: ErrNilJob、ErrInvalidPriority 或 ErrQueueClosed
func (q *Queue) Submit(job Job) (*ScheduledJob, error) {
	if job == nil {
		return nil, ErrNilJob
	}
	if p := job.Priority(); !p.Valid() {
		return nil, fmt.Errorf("%w: %d (job %s)", ErrInvalidPriority, int(p), job.Name())
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	// 序號在鎖內分配，保證與插入順序一致
	sj := &ScheduledJob{
		Job:         job,
		Priority:    job.Priority(),
		Seq:         q.seq,
		SubmittedAt: time.Now(),
		TraceID:     uuid.New(),
	}
	q.seq++
	heap.Push(&q.pending, sj)
	q.publishDepth(len(q.pending))
	q.cond.Signal()
	q.mu.Unlock()

	q.metrics.RecordSubmit(sj.Priority)
	return sj, nil
}

// Take 阻塞直到取得最高優先級、最早提交的任務
//
// 返回值：
//   - ctx.Err(): ctx 被取消（Worker 被要求停止）
//   - ErrQueueClosed: 佇列已關閉
func (q *Queue) Take(ctx context.Context) (*ScheduledJob, error) {
	// ctx 取消時在持鎖狀態下喚醒，避免 Wait 之前的檢查與喚醒之間出現空窗
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	for len(q.pending) == 0 {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.cond.Wait()
	}

	// 有任務時仍優先尊重取消：停止的 Worker 不再開始新任務
	if err := ctx.Err(); err != nil {
		q.cond.Signal() // 把這次喚醒讓給其他等待者
		q.mu.Unlock()
		return nil, err
	}

	sj := heap.Pop(&q.pending).(*ScheduledJob)
	q.publishDepth(len(q.pending))
	q.mu.Unlock()
	return sj, nil
}

// TryTake 非阻塞取出任務，佇列為空時返回 false
func (q *Queue) TryTake() (*ScheduledJob, bool) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	sj := heap.Pop(&q.pending).(*ScheduledJob)
	q.publishDepth(len(q.pending))
	q.mu.Unlock()
	return sj, true
}

// Drain 在呼叫者 goroutine 上依序執行任務，直到佇列為空或 budget 用完
//
// 預算只在開始下一個任務前檢查，因此總佔用時間最多為
// budget 加上預算到期時正在執行的那一個任務。
//
// 返回值：
//   - int: 執行的任務數
func (q *Queue) Drain(budget time.Duration, run func(*ScheduledJob)) int {
	start := time.Now()
	executed := 0
	for time.Since(start) < budget {
		sj, ok := q.TryTake()
		if !ok {
			break
		}
		run(sj)
		executed++
	}
	return executed
}

// Len 返回目前待處理的任務數
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close 關閉佇列：丟棄所有未開始的任務，喚醒所有等待者
//
// 返回值：
//   - int: 被丟棄的任務數
func (q *Queue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	discarded := len(q.pending)
	q.pending = nil
	q.publishDepth(0)
	q.cond.Broadcast()
	q.mu.Unlock()

	if discarded > 0 {
		log.Info("Job queue closed, discarding pending jobs", "discarded", discarded)
	}
	return discarded
}

// IsClosed 檢查佇列是否已關閉
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// publishDepth 更新佇列深度 telemetry 與指標（呼叫者持有 q.mu）
func (q *Queue) publishDepth(depth int) {
	if q.tm != nil {
		q.tm.SetQueuedJobs(depth)
	}
	q.metrics.SetQueueDepth(depth)
}
