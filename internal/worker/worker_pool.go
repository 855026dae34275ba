// ============================================================================
// Voxel-Pipeline Worker Pool - 可調整大小的並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理一組可動態增減的 Worker goroutine，共享同一個優先級佇列
//
// 架構組件:
//   ┌─────────────┐
//   │ Autoscaler  │ --Resize(n)-->
//   └─────────────┘
//                     ┌────────────────────┐
//   ┌─────────────┐   │   Pool             │
//   │ jobqueue    │   │  ┌────────┐        │
//   │  .Queue     │──→│  │Worker 0│ ctx0   │
//   │ (heap+cond) │──→│  │Worker 1│ ctx1   │──→ Executor (recover)
//   │             │──→│  │Worker 2│ ctx2   │
//   └─────────────┘   │  └────────┘        │
//                     └────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，不啟動任何 Worker
//   2. Resize(n) - 擴充或縮減到 n 個 Worker（只有 Autoscaler 與 Engine 呼叫）
//   3. Stop()    - 縮減到 0 並等待所有 Worker goroutine 結束
//
// Resize 語義:
//   - target > current：啟動 (target - current) 個新 Worker
//   - target < current：取消最後加入的 (current - target) 個 Worker 的 context，
//     立刻從列表移除；正在執行的任務會跑完，Worker 不再取下一個任務
//   - Resize 之間以 resizeMu 串行化，不會出現重疊的擴縮指令
//   - Worker 從不自行退出（佇列關閉除外）
//
// 並發控制:
//   - resizeMu: 串行化 Resize/Stop
//   - mu: 保護 workers 列表與 closed 狀態
//   - wg: 追蹤所有曾經啟動的 Worker goroutine，Stop 時等待
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/voxel-pipeline/internal/jobqueue"
	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/metrics"
)

var log = logging.For("worker")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法再調整大小
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrTargetOutOfRange 表示目標 Worker 數量超出 [min, max]
	ErrTargetOutOfRange = errors.New("worker target out of range")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表可調整大小的 Worker 池
type Pool struct {
	queue    *jobqueue.Queue
	exec     *jobqueue.Executor
	metrics  *metrics.Collector
	minCount int
	maxCount int

	resizeMu sync.Mutex     // 串行化 Resize
	mu       sync.Mutex     // 保護 workers、nextID、closed
	workers  []*Worker      // 目前存活的 Worker，最後加入者在尾端
	nextID   int            // 下一個 Worker 的 ID（單調遞增，方便追蹤日誌）
	closed   bool           // Stop 之後為 true
	wg       sync.WaitGroup // 等待所有 Worker goroutine

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - queue: 所有 Worker 共享的任務佇列
//   - exec: 執行任務的 Executor（recover 邊界）
//   - minWorkers, maxWorkers: Resize 允許的範圍
//   - m: Prometheus 指標收集器，可以為 nil
func NewPool(queue *jobqueue.Queue, exec *jobqueue.Executor, minWorkers, maxWorkers int, m *metrics.Collector) (*Pool, error) {
	if queue == nil || exec == nil {
		return nil, errors.New("worker pool requires a queue and an executor")
	}
	if minWorkers < 0 || maxWorkers < minWorkers {
		return nil, fmt.Errorf("%w: min=%d max=%d", ErrTargetOutOfRange, minWorkers, maxWorkers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:      queue,
		exec:       exec,
		metrics:    m,
		minCount:   minWorkers,
		maxCount:   maxWorkers,
		workers:    make([]*Worker, 0, maxWorkers),
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// Resize 將 Worker 數量調整為 target
//
// 返回值：
//   - error: ErrTargetOutOfRange 或 ErrPoolClosed
func (p *Pool) Resize(target int) error {
	if target < p.minCount || target > p.maxCount {
		return fmt.Errorf("%w: target=%d range=[%d,%d]", ErrTargetOutOfRange, target, p.minCount, p.maxCount)
	}

	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	from := len(p.workers)
	p.resizeLocked(target)
	p.mu.Unlock()

	if from != target {
		p.metrics.RecordResize(from, target)
		log.Info(fmt.Sprintf("Workers set to %d", target), "from", from)
	}
	return nil
}

// resizeLocked 實際擴縮（呼叫者持有 p.mu）
func (p *Pool) resizeLocked(target int) {
	current := len(p.workers)

	// 擴充：啟動新的 Worker
	for i := current; i < target; i++ {
		w, ctx := newWorker(p.baseCtx, p.nextID)
		p.nextID++
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx, p.queue, p.exec)
		}()
	}

	// 縮減：恰好停止 (current - target) 個 Worker，並立刻從列表移除
	for i := current - 1; i >= target; i-- {
		p.workers[i].Stop()
		p.workers[i] = nil
	}
	if target < current {
		p.workers = p.workers[:target]
	}
}

// Stop 縮減到 0 並等待所有 Worker goroutine 結束
//
// 正在執行的任務會跑完；佇列中尚未開始的任務不受影響（由呼叫者決定是否 Close 佇列）。
func (p *Pool) Stop() {
	p.resizeMu.Lock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.resizeMu.Unlock()
		return
	}
	p.closed = true
	from := len(p.workers)
	p.resizeLocked(0)
	p.mu.Unlock()
	p.resizeMu.Unlock()

	p.baseCancel()
	p.wg.Wait()

	p.metrics.RecordResize(from, 0)
	log.Info("Worker pool stopped", "stopped", from)
}

// CurrentWorkers 返回當前 Worker 數量
func (p *Pool) CurrentWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Bounds 返回 [min, max]
func (p *Pool) Bounds() (int, int) {
	return p.minCount, p.maxCount
}

// IsClosed 檢查 Pool 是否已停止
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
