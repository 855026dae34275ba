package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/voxel-pipeline/internal/config"
	"github.com/ChuLiYu/voxel-pipeline/internal/render"
	"github.com/ChuLiYu/voxel-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/voxel-pipeline/internal/telemetry"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workers.Min = 0
	cfg.Workers.Max = 2
	cfg.Pipeline.InitialRadius = 1
	cfg.Render.TargetFPS = 200
	cfg.Render.FrameCost = 0
	cfg.Render.EditEvery = 0
	cfg.Render.ViewRadius = 1
	cfg.Diagnostics.Interval = time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

// ============================================================================
// 純函式測試
// ============================================================================

func TestInitialWorkers(t *testing.T) {
	tests := []struct {
		cpus, min, max, want int
	}{
		{8, 0, 16, 6},
		{8, 0, 4, 4},
		{2, 0, 4, 0},
		{1, 1, 4, 1},
		{4, 3, 6, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InitialWorkers(tt.cpus, tt.min, tt.max), "cpus=%d [%d,%d]", tt.cpus, tt.min, tt.max)
	}
}

func TestFormatDiagnostics(t *testing.T) {
	line := FormatDiagnostics(telemetry.Snapshot{
		RenderMs:   4.251,
		SimMs:      1.5,
		QueuedJobs: 12,
		JobWaitMs:  0.333,
	}, 3)
	assert.Equal(t, "RT 4.25 ms | ST 1.50 ms | Q=12 | wait=0.33 ms | workers=3", line)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Min = 5
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// ============================================================================
// 內聯執行測試
// ============================================================================

// TestInlineFallbackMakesProgress 沒有 Worker 時，模擬 tick 仍能把區塊推進到 READY
func TestInlineFallbackMakesProgress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Max = 0
	e := newTestEngine(t, cfg)

	require.Equal(t, 9, e.RequestChunks(0, 0, 1))

	inline := 0
	for i := 0; i < 10000 && e.Status().Pipeline.ByStage[types.StageReady.String()] < 9; i++ {
		inline += e.Tick()
	}

	st := e.Status()
	assert.Equal(t, 9, st.Pipeline.ByStage[types.StageReady.String()])
	assert.Equal(t, 27, inline, "generate, light and mesh for each region")
	assert.Equal(t, uint64(27), st.InlineJobs)
	assert.Equal(t, 9, st.Pipeline.PendingUploads)
	assert.Equal(t, 0, st.QueueDepth)
}

// TestTickBoundedByBudget 單一 tick 的內聯執行不超過預算加一個任務
func TestTickBoundedByBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers.Max = 0
	cfg.Engine.InlineBudget = time.Millisecond
	e := newTestEngine(t, cfg)

	e.RequestChunks(0, 0, 6)
	start := time.Now()
	n := e.Tick()
	assert.Greater(t, n, 0)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Greater(t, e.Status().QueueDepth, 0)
}

func TestTickSkipsInlineWithWorkers(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	require.NoError(t, e.Pool().Resize(1))

	e.RequestChunks(0, 0, 1)
	assert.Equal(t, 0, e.Tick())
	require.Eventually(t, func() bool {
		return e.Status().Pipeline.ByStage[types.StageReady.String()] == 9
	}, 5*time.Second, 10*time.Millisecond)
}

// ============================================================================
// 生命週期測試
// ============================================================================

// TestRunWithDuration 到期後 Run 返回，所有組件關閉
func TestRunWithDuration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Duration = 400 * time.Millisecond
	cfg.Storage.Dir = t.TempDir()
	cfg.Workers.Min = 1
	e := newTestEngine(t, cfg)

	start := time.Now()
	require.NoError(t, e.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), cfg.Engine.Duration)

	st := e.Status()
	assert.Equal(t, StateStopped.String(), st.State)
	assert.Equal(t, 0, st.Workers)
	assert.Greater(t, st.SimTicks, uint64(0))
	assert.Greater(t, st.Telemetry.Frames, uint64(0))
	require.NotNil(t, st.Renderer)
	// Shutdown 會釋放綁定的網格，只能看累計的綁定次數
	assert.Zero(t, st.Renderer.Bound)
	assert.Greater(t, st.Renderer.Binds, 0)

	_, err := os.Stat(filepath.Join(cfg.Storage.Dir, SnapshotFile))
	assert.NoError(t, err, "final snapshot should be written")

	// 已停止的引擎不能再次啟動
	assert.Error(t, e.Run(context.Background()))
}

// TestRunStopsOnCancel ctx 取消時 Run 返回
func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, e.State())
}

// TestRendererCloseStopsEngine 渲染器要求關閉時整個引擎結束
func TestRendererCloseStopsEngine(t *testing.T) {
	stub := render.NewStubRenderer(render.StubOptions{MaxFrames: 5}, nil, nil)
	e := newTestEngine(t, testConfig(t), WithRenderer(stub))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the renderer closed")
	}
	assert.Equal(t, uint64(5), stub.Stats().Frames)
	assert.Nil(t, e.Status().Renderer, "custom renderer has no stub stats")
}

// ============================================================================
// 持久化測試
// ============================================================================

// TestRecoveryFromSnapshotAndJournal 快照與日誌中的編輯在重啟後都能恢復
func TestRecoveryFromSnapshotAndJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Storage.Dir = dir
	cfg.Storage.JournalBuffer = 1

	// 第一次執行：編輯後正常關閉（寫入快照）
	e1, err := New(cfg)
	require.NoError(t, err)
	_, err = e1.SetBlock(1, 40, 1, types.BlockStone)
	require.NoError(t, err)
	_, err = e1.SetBlock(2, 40, 2, types.BlockDirt)
	require.NoError(t, err)
	e1.Stop()

	// 第二次執行：編輯後只關閉日誌（模擬崩潰，沒有快照）
	e2, err := New(cfg)
	require.NoError(t, err)
	_, err = e2.SetBlock(2, 40, 2, types.BlockAir)
	require.NoError(t, err)
	_, err = e2.SetBlock(-5, 41, 7, types.BlockGrass)
	require.NoError(t, err)
	seq := e2.Status().JournalSeq
	assert.Equal(t, uint64(4), seq, "sequence continues across restarts")
	e2.closeJournal()
	e2.pool.Stop()

	// 第三次執行：快照 + 日誌重放
	e3 := newTestEngine(t, cfg)
	assert.Equal(t, 3, e3.Status().World.Edits)

	for _, key := range []types.RegionKey{{X: 0, Z: 0}, {X: -1, Z: 0}} {
		_, err := e3.world.Generate(key)
		require.NoError(t, err)
	}
	assert.Equal(t, types.BlockStone, e3.world.GetBlock(1, 40, 1))
	assert.Equal(t, types.BlockAir, e3.world.GetBlock(2, 40, 2))
	assert.Equal(t, types.BlockGrass, e3.world.GetBlock(-5, 41, 7))
	assert.Equal(t, seq, e3.Status().JournalSeq)
}

// TestIdleJournalIsFlushed 單筆編輯之後沒有新的編輯，緩衝仍會在 flush 間隔內寫入磁碟
func TestIdleJournalIsFlushed(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Storage.Dir = dir
	cfg.Storage.JournalBuffer = 64
	cfg.Storage.JournalFlush = 20 * time.Millisecond
	e := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)

	_, err := e.SetBlock(3, 50, 3, types.BlockStone)
	require.NoError(t, err)

	path := filepath.Join(dir, JournalFile)
	require.Eventually(t, func() bool {
		n, err := journal.CountEntries(path)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusBeforeStart(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	st := e.Status()

	assert.Equal(t, e.RunID().String(), st.RunID)
	assert.Equal(t, StateCreated.String(), st.State)
	assert.Empty(t, st.Uptime)
	assert.Equal(t, 0, st.MinWorkers)
	assert.Equal(t, 2, st.MaxWorkers)
	assert.True(t, st.AutoscaleOn)
	assert.False(t, st.StorageEnabled)
	assert.Zero(t, st.JournalSeq)
	assert.NotNil(t, e.Registry())
}
