// ============================================================================
// Voxel-Pipeline Engine - 系統核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 組裝所有模組，執行模擬迴圈、渲染迴圈與週期性工作
//
// 架構設計:
//   - Queue + Executor: 共享的優先級佇列與 recover 邊界
//   - Pool: 可擴縮的 Worker 集合，只由 Autoscaler（與啟動時的初始值）調整
//   - Autoscaler: cron 週期性決策
//   - World + Pipeline: 區塊儲存與四階段管線
//   - Render Loop: 每幀消化最多 K 個網格
//   - Journal + Snapshot: 編輯持久化
//
// 核心循環 (errgroup 監督):
//   1. Sim Loop      - 固定步長；沒有 Worker 時在 tick 內聯執行任務
//   2. Render Loop   - 幀率上限；渲染器要求關閉時結束整個引擎
//   3. Snapshot Loop - 定期 Rotate 日誌並寫入快照，閒置時 flush 日誌緩衝
//   另有 cron 排程的 Autoscaler 與診斷行。
//
// 恢復流程:
//   1. 載入快照中的編輯
//   2. 重放日誌中 seq > LastSeq 的編輯
//   3. 以快照的 LastSeq 作為最小序號開啟日誌
//
// 關閉順序:
//   Autoscaler → 診斷 cron → Pool（縮到 0 並等待）→ Queue.Close（丟棄未開始任務）
//   → 最後一次快照 → 關閉日誌
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/voxel-pipeline/internal/autoscaler"
	"github.com/ChuLiYu/voxel-pipeline/internal/config"
	"github.com/ChuLiYu/voxel-pipeline/internal/jobqueue"
	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/metrics"
	"github.com/ChuLiYu/voxel-pipeline/internal/pipeline"
	"github.com/ChuLiYu/voxel-pipeline/internal/render"
	"github.com/ChuLiYu/voxel-pipeline/internal/snapshot"
	"github.com/ChuLiYu/voxel-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/voxel-pipeline/internal/telemetry"
	"github.com/ChuLiYu/voxel-pipeline/internal/worker"
	"github.com/ChuLiYu/voxel-pipeline/internal/world"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

var log = logging.For("engine")

// 儲存目錄內的檔名
const (
	JournalFile  = "edits.journal"
	SnapshotFile = "edits.snapshot"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 引擎生命週期
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option 自訂引擎組件
type Option func(*Engine)

// WithRenderer 以指定的渲染器取代預設的無頭渲染器
func WithRenderer(r render.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// Engine 核心協調器
type Engine struct {
	cfg   config.Config
	runID uuid.UUID

	registry *prometheus.Registry
	metrics  *metrics.Collector
	tm       *telemetry.Telemetry

	queue    *jobqueue.Queue
	exec     *jobqueue.Executor
	pool     *worker.Pool
	scaler   *autoscaler.Autoscaler
	world    *world.World
	pipeline *pipeline.Pipeline

	renderer render.Renderer
	stub     *render.StubRenderer
	frames   *render.Loop

	journal   *journal.Journal
	snapshots *snapshot.Manager

	diag     *cron.Cron
	lastLine atomic.Value // string

	inlineRuns atomic.Uint64
	simTicks   atomic.Uint64

	mu        sync.Mutex
	state     State
	startTime time.Time
	stopOnce  sync.Once
}

// ============================================================================
// 建構與恢復
// ============================================================================

// New 組裝引擎並恢復持久化的編輯；不會啟動任何 goroutine
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		runID:    uuid.New(),
		registry: prometheus.NewRegistry(),
		tm:       telemetry.New(cfg.Engine.EWMAAlpha),
	}
	e.lastLine.Store("")
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.metrics = metrics.NewCollector(e.registry)
	e.tm.SetSimStep(cfg.SimStep())

	e.queue = jobqueue.New(e.tm, e.metrics)
	e.exec = jobqueue.NewExecutor(e.tm, e.metrics)

	pool, err := worker.NewPool(e.queue, e.exec, cfg.Workers.Min, cfg.Workers.Max, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	e.pool = pool

	if cfg.Autoscale.Enabled {
		e.scaler, err = autoscaler.New(autoscaler.Config{
			MinWorkers:       cfg.Workers.Min,
			MaxWorkers:       cfg.Workers.Max,
			Period:           cfg.Autoscale.Period,
			Cooldown:         cfg.Autoscale.Cooldown,
			RenderBudgetMs:   cfg.Autoscale.RenderBudgetMs,
			RenderDegradedMs: cfg.Autoscale.RenderDegradedMs,
			TargetTPS:        float64(cfg.Engine.TargetTPS),
			SimHeadroom:      cfg.Autoscale.SimHeadroom,
		}, e.pool, e.queue, e.tm)
		if err != nil {
			return nil, fmt.Errorf("failed to create autoscaler: %w", err)
		}
	}

	// 持久化：先讀快照與日誌，再建立世界
	var recovered []snapshot.Edit
	if cfg.Storage.Dir != "" {
		recovered, err = e.openStorage()
		if err != nil {
			return nil, err
		}
	}

	wopts := world.Options{}
	if e.journal != nil {
		wopts.Journal = e.journal
	}
	e.world = world.New(wopts)
	for _, ed := range recovered {
		e.world.ApplyEdit(ed.Pos, ed.Block)
	}

	e.pipeline, err = pipeline.New(pipeline.Config{
		Queue:     e.queue,
		Generator: e.world,
		Lighter:   e.world,
		Mesher:    e.world,
		Metrics:   e.metrics,
	})
	if err != nil {
		e.closeJournal()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	e.world.SetEditSink(e.pipeline)

	for _, opt := range opts {
		opt(e)
	}
	if e.renderer == nil {
		e.stub = render.NewStubRenderer(render.StubOptions{
			ViewRadius: cfg.Render.ViewRadius,
			RegionSize: world.SizeX,
			Speed:      cfg.Render.CameraSpeed,
			EditEvery:  cfg.Render.EditEvery,
			EditY:      world.SurfaceY,
			FrameCost:  cfg.Render.FrameCost,
			Seed:       cfg.Render.Seed,
		}, e.pipeline, e.world)
		e.renderer = e.stub
	}
	e.frames, err = render.NewLoop(render.LoopConfig{
		TargetFPS:     cfg.Render.TargetFPS,
		DrainPerFrame: cfg.Render.DrainPerFrame,
	}, e.renderer, e.pipeline.Uploads(), e.tm, e.metrics)
	if err != nil {
		e.closeJournal()
		return nil, err
	}

	log.Info("Engine created",
		"run_id", e.runID,
		"workers_min", cfg.Workers.Min,
		"workers_max", cfg.Workers.Max,
		"recovered_edits", len(recovered))
	return e, nil
}

// openStorage 載入快照、重放日誌並開啟日誌
//
// 返回值：
//   - []snapshot.Edit: 依序套用即可恢復的編輯（快照在前，日誌在後）
func (e *Engine) openStorage() ([]snapshot.Edit, error) {
	start := time.Now()
	dir := e.cfg.Storage.Dir

	e.snapshots = snapshot.NewManager(filepath.Join(dir, SnapshotFile))
	data, err := e.snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	j, err := journal.Open(filepath.Join(dir, JournalFile), data.LastSeq, journal.Options{
		BufferSize:    e.cfg.Storage.JournalBuffer,
		FlushInterval: e.cfg.Storage.JournalFlush,
		KeepBackups:   e.cfg.Storage.KeepBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	edits := data.Edits
	replayed := 0
	err = j.Replay(func(entry journal.Entry) error {
		// 已包含在快照中
		if entry.Seq <= data.LastSeq {
			return nil
		}
		edits = append(edits, snapshot.Edit{Pos: entry.Pos, Block: entry.Block})
		replayed++
		return nil
	})
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}
	e.journal = j

	log.Info("Edits recovered",
		"duration", time.Since(start),
		"snapshot_edits", len(data.Edits),
		"snapshot_seq", data.LastSeq,
		"journal_edits", replayed,
		"last_seq", j.LastSeq(),
		"journal", j.Path())
	return edits, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Run 啟動引擎並阻塞直到 ctx 取消、設定的執行時間到期或渲染器要求關閉
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	defer e.Stop()

	if d := e.cfg.Engine.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.simLoop(gctx)
	})
	g.Go(func() error {
		// 渲染器關閉等同於結束程式
		defer cancel()
		return e.frames.Run(gctx)
	})
	if e.journal != nil {
		g.Go(func() error {
			return e.snapshotLoop(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return err
}

// start 設定初始 Worker 數、啟動 Autoscaler 與診斷排程、請求初始區塊
func (e *Engine) start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCreated {
		return fmt.Errorf("engine cannot start from state %s", e.state)
	}
	e.state = StateRunning
	e.startTime = time.Now()

	initial := InitialWorkers(runtime.NumCPU(), e.cfg.Workers.Min, e.cfg.Workers.Max)
	if err := e.pool.Resize(initial); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	if e.scaler != nil {
		e.scaler.NoteResize(time.Now())
		e.scaler.Start()
	}

	logger := autoscaler.NewCronLogger(log)
	e.diag = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	e.diag.Schedule(cron.Every(e.cfg.Diagnostics.Interval), cron.FuncJob(e.reportDiagnostics))
	e.diag.Start()

	n := e.pipeline.RequestInitialChunks(0, 0, e.cfg.Pipeline.InitialRadius)
	log.Info("Engine started",
		"run_id", e.runID,
		"workers", initial,
		"initial_regions", n,
		"autoscale", e.scaler != nil)
	return nil
}

// Stop 依序關閉所有組件；可重複呼叫
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.state = StateStopped
		diag := e.diag
		e.mu.Unlock()

		log.Info("Stopping engine...", "run_id", e.runID)

		// 1. 不再擴縮
		if e.scaler != nil {
			e.scaler.Stop()
		}
		if diag != nil {
			<-diag.Stop().Done()
		}

		// 2. 縮到 0：喚醒閒置的 Worker，執行中的任務會完成
		e.pool.Stop()

		// 3. 丟棄未開始的任務
		discarded := e.queue.Close()

		// 4. 最後一次快照
		if e.journal != nil {
			if err := e.takeSnapshot(); err != nil {
				log.Error("Failed to take final snapshot", "error", err)
			}
		}
		e.closeJournal()

		log.Info("Engine stopped",
			"run_id", e.runID,
			"discarded_jobs", discarded,
			"frames", e.tm.FrameCount())
	})
}

func (e *Engine) closeJournal() {
	if e.journal == nil {
		return
	}
	if err := e.journal.Close(); err != nil {
		log.Error("Failed to close journal", "error", err)
	}
}

// InitialWorkers clamp(cpus-2, min, max)
func InitialWorkers(cpus, minWorkers, maxWorkers int) int {
	return min(max(cpus-2, minWorkers), maxWorkers)
}

// ============================================================================
// 核心循環
// ============================================================================

// simLoop 固定步長的模擬迴圈
func (e *Engine) simLoop(ctx context.Context) error {
	step := e.cfg.SimStep()
	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	log.Info("Sim loop started", "step", step)
	for {
		if ctx.Err() != nil {
			log.Info("Sim loop stopped", "ticks", e.simTicks.Load())
			return nil
		}

		start := time.Now()
		e.Tick()
		end := time.Now()
		e.tm.SampleSim(end.Sub(start))
		e.tm.MarkSimTick(end)

		next = next.Add(step)
		wait := time.Until(next)
		if wait <= 0 {
			// 落後時不追趕，從現在重新計時
			next = time.Now()
			continue
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// Tick 執行一個模擬步；沒有 Worker 時在呼叫者 goroutine 上內聯執行任務
//
// 返回值：
//   - int: 內聯執行的任務數
func (e *Engine) Tick() int {
	e.simTicks.Add(1)
	if e.pool.CurrentWorkers() > 0 {
		return 0
	}
	n := e.queue.Drain(e.cfg.Engine.InlineBudget, func(sj *jobqueue.ScheduledJob) {
		_ = e.exec.Execute(sj, "inline")
	})
	if n > 0 {
		e.inlineRuns.Add(uint64(n))
	}
	return n
}

// snapshotLoop 定期寫入快照，並在閒置時把日誌緩衝寫入磁碟
func (e *Engine) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Storage.SnapshotInterval)
	defer ticker.Stop()

	var flushC <-chan time.Time
	if iv := e.cfg.Storage.JournalFlush; iv > 0 {
		flushTicker := time.NewTicker(iv)
		defer flushTicker.Stop()
		flushC = flushTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Snapshot loop stopped")
			return nil
		case <-flushC:
			if _, err := e.journal.FlushIfDue(); err != nil {
				log.Warn("Failed to flush journal", "error", err)
			}
		case <-ticker.C:
			if err := e.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 先 Rotate 日誌，再記錄序號與編輯
//
// 序號在編輯之前讀取：seq <= LastSeq 的編輯在寫入日誌前已經套用到記憶體，
// 因此一定包含在 Edits() 中；之後的編輯在新日誌裡。
func (e *Engine) takeSnapshot() error {
	start := time.Now()

	if err := e.journal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	seq := e.journal.LastSeq()
	wedits := e.world.Edits()

	edits := make([]snapshot.Edit, len(wedits))
	for i, ed := range wedits {
		edits[i] = snapshot.Edit{Pos: ed.Pos, Block: ed.Block}
	}
	if err := e.snapshots.Write(snapshot.Data{LastSeq: seq, Edits: edits}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"edits", len(edits),
		"last_seq", seq,
		"bytes", e.snapshots.CompressedSize())
	return nil
}

// reportDiagnostics 輸出一行診斷並更新指標
func (e *Engine) reportDiagnostics() {
	line := FormatDiagnostics(e.tm.Snapshot(), e.pool.CurrentWorkers())
	e.lastLine.Store(line)
	e.metrics.SetLoopTimes(e.tm.RenderMs(), e.tm.SimMs())
	log.Info(line, "run_id", e.runID)
}

// FormatDiagnostics 診斷行格式
func FormatDiagnostics(s telemetry.Snapshot, workers int) string {
	return fmt.Sprintf("RT %.2f ms | ST %.2f ms | Q=%d | wait=%.2f ms | workers=%d",
		s.RenderMs, s.SimMs, s.QueuedJobs, s.JobWaitMs, workers)
}

// ============================================================================
// 公開方法
// ============================================================================

// Status 引擎狀態
type Status struct {
	RunID          string             `json:"run_id"`
	State          string             `json:"state"`
	Uptime         string             `json:"uptime"`
	Workers        int                `json:"workers"`
	MinWorkers     int                `json:"min_workers"`
	MaxWorkers     int                `json:"max_workers"`
	QueueDepth     int                `json:"queue_depth"`
	InlineJobs     uint64             `json:"inline_jobs"`
	SimTicks       uint64             `json:"sim_ticks"`
	InterpAlpha    float64            `json:"interp_alpha"`
	JournalSeq     uint64             `json:"journal_seq"`
	Diagnostics    string             `json:"diagnostics"`
	Telemetry      telemetry.Snapshot `json:"telemetry"`
	Pipeline       pipeline.Stats     `json:"pipeline"`
	World          world.Stats        `json:"world"`
	Renderer       *render.StubStats  `json:"renderer,omitempty"`
	AutoscaleOn    bool               `json:"autoscale"`
	StorageEnabled bool               `json:"storage"`
}

// Status 取得系統狀態
func (e *Engine) Status() Status {
	e.mu.Lock()
	state, started := e.state, e.startTime
	e.mu.Unlock()

	minW, maxW := e.pool.Bounds()
	st := Status{
		RunID:          e.runID.String(),
		State:          state.String(),
		Workers:        e.pool.CurrentWorkers(),
		MinWorkers:     minW,
		MaxWorkers:     maxW,
		QueueDepth:     e.queue.Len(),
		InlineJobs:     e.inlineRuns.Load(),
		SimTicks:       e.simTicks.Load(),
		InterpAlpha:    e.tm.InterpAlpha(time.Now()),
		JournalSeq:     e.journal.LastSeq(),
		Diagnostics:    e.lastLine.Load().(string),
		Telemetry:      e.tm.Snapshot(),
		Pipeline:       e.pipeline.Stats(),
		World:          e.world.Stats(),
		AutoscaleOn:    e.scaler != nil,
		StorageEnabled: e.journal != nil,
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Millisecond).String()
	}
	if e.stub != nil {
		rs := e.stub.Stats()
		st.Renderer = &rs
	}
	return st
}

// State 目前的生命週期狀態
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Regions 所有區塊的管線狀態
func (e *Engine) Regions() []pipeline.RegionInfo {
	return e.pipeline.Regions()
}

// SetBlock 修改方塊並重新網格化受影響的區塊
func (e *Engine) SetBlock(wx, wy, wz int, id types.BlockID) (int, error) {
	return e.world.SetBlock(wx, wy, wz, id)
}

// RequestChunks 請求以 (x, z) 為中心的區塊
func (e *Engine) RequestChunks(originX, originZ, radius int) int {
	return e.pipeline.RequestInitialChunks(originX, originZ, radius)
}

// Registry prometheus registry（/metrics 使用）
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Telemetry 共享的 telemetry 句柄
func (e *Engine) Telemetry() *telemetry.Telemetry { return e.tm }

// Pool Worker Pool
func (e *Engine) Pool() *worker.Pool { return e.pool }

// RunID 本次執行的識別碼
func (e *Engine) RunID() uuid.UUID { return e.runID }
