// ============================================================================
// Voxel-Pipeline Render - 渲染端協作者與幀迴圈
// ============================================================================
//
// Package: internal/render
// 文件: renderer.go
// 功能: 渲染器介面與幀迴圈
//
// 每一幀:
//   PollInput() → DrainUploads(最多 K 個) → RenderFrame() → 取樣幀時間 → 限制幀率
//
// 背壓:
//   上傳佇列本身無上限；每幀最多取 K 個，大量完成的網格會分散到多幀消化，
//   單一幀不會因此卡住。
//
// ============================================================================

package render

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/metrics"
	"github.com/ChuLiYu/voxel-pipeline/internal/pipeline"
	"github.com/ChuLiYu/voxel-pipeline/internal/telemetry"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

var log = logging.For("render")

// ErrNoRenderer 沒有提供渲染器
var ErrNoRenderer = errors.New("renderer is nil")

// Renderer 渲染端協作者
//
// Init 在迴圈開始前呼叫一次，Shutdown 在迴圈結束後呼叫一次。
// 其餘方法都只在渲染 goroutine 上呼叫。
type Renderer interface {
	Init() error
	ShouldClose() bool
	PollInput()
	// Bind 綁定一個完成的網格以供繪製
	Bind(item types.UploadItem)
	RenderFrame()
	Shutdown()
}

// LoopConfig 幀迴圈參數
type LoopConfig struct {
	// TargetFPS 幀率上限；0 表示不限制
	TargetFPS int
	// DrainPerFrame 每幀最多綁定的網格數（K）
	DrainPerFrame int
}

// Loop 渲染幀迴圈
type Loop struct {
	cfg      LoopConfig
	renderer Renderer
	uploads  *pipeline.UploadQueue
	tm       *telemetry.Telemetry
	metrics  *metrics.Collector
}

// NewLoop 建立幀迴圈；tm 與 m 可以為 nil
func NewLoop(cfg LoopConfig, r Renderer, uploads *pipeline.UploadQueue, tm *telemetry.Telemetry, m *metrics.Collector) (*Loop, error) {
	if r == nil {
		return nil, ErrNoRenderer
	}
	if uploads == nil {
		return nil, errors.New("upload queue is nil")
	}
	if cfg.DrainPerFrame <= 0 {
		cfg.DrainPerFrame = 2
	}
	return &Loop{cfg: cfg, renderer: r, uploads: uploads, tm: tm, metrics: m}, nil
}

// Run 執行幀迴圈直到 ctx 取消或渲染器要求關閉
func (l *Loop) Run(ctx context.Context) error {
	if err := l.renderer.Init(); err != nil {
		return err
	}
	defer l.renderer.Shutdown()

	var frameBudget time.Duration
	if l.cfg.TargetFPS > 0 {
		frameBudget = time.Second / time.Duration(l.cfg.TargetFPS)
	}

	log.Info("Render loop started", "target_fps", l.cfg.TargetFPS, "drain_per_frame", l.cfg.DrainPerFrame)
	for {
		if ctx.Err() != nil || l.renderer.ShouldClose() {
			log.Info("Render loop stopped")
			return nil
		}

		start := time.Now()
		l.Frame()
		elapsed := time.Since(start)

		if frameBudget > 0 && elapsed < frameBudget {
			timer := time.NewTimer(frameBudget - elapsed)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// Frame 執行一幀並取樣其耗時
func (l *Loop) Frame() int {
	start := time.Now()

	l.renderer.PollInput()
	n := l.uploads.DrainUpTo(l.cfg.DrainPerFrame, l.renderer.Bind)
	l.renderer.RenderFrame()

	if l.tm != nil {
		l.tm.SampleRender(time.Since(start))
		l.tm.MarkFrame()
	}
	l.metrics.RecordUploads(n)
	return n
}
