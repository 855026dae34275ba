// ============================================================================
// Voxel-Pipeline Autoscaler - 依延遲調整 Worker 數量
// ============================================================================
//
// Package: internal/autoscaler
// 文件: autoscaler.go
// 功能: 週期性讀取 Telemetry 與佇列深度，在冷卻時間保護下擴縮 Worker Pool
//
// 決策規則:
//
//   q = 佇列深度, r = 平滑幀時間, s = 平滑 tick 時間, w = 目前 Worker 數
//
//   healthy  = r < RenderBudgetMs && s < SimBudgetMs
//   擴充 +1  : w < max && healthy && q > 4*(w+1)
//   縮減 -1  : w > min && q == 0 && r > RenderDegradedMs
//
//   SimBudgetMs = 1000 / (TargetTPS * SimHeadroom)
//
// 冷卻:
//   每次實際擴縮後重設計時器；冷卻時間內的 tick 不做任何事，即使條件成立。
//
// 執行:
//   robfig/cron 以 "@every <period>" 驅動 Tick，SkipIfStillRunning 保證
//   不會有兩個 tick 重疊。與模擬迴圈、渲染迴圈的節奏完全無關。
//
// ============================================================================

package autoscaler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/telemetry"
)

var log = logging.For("autoscaler")

// ============================================================================
// 型別定義
// ============================================================================

// Decision 單次 tick 的決策結果
type Decision int

const (
	Hold Decision = iota
	Grow
	Shrink
)

func (d Decision) String() string {
	switch d {
	case Grow:
		return "grow"
	case Shrink:
		return "shrink"
	default:
		return "hold"
	}
}

// Config 擴縮參數
type Config struct {
	MinWorkers       int
	MaxWorkers       int
	Period           time.Duration
	Cooldown         time.Duration
	RenderBudgetMs   float64
	RenderDegradedMs float64
	TargetTPS        float64
	SimHeadroom      float64
}

// SimBudgetMs 由目標 TPS 與 headroom 推導的 tick 時間上限
func (c Config) SimBudgetMs() float64 {
	return 1000.0 / (c.TargetTPS * c.SimHeadroom)
}

// Inputs 決策所需的觀測值
type Inputs struct {
	QueueDepth int
	Workers    int
	RenderMs   float64
	SimMs      float64
}

// Decide 純函數：根據觀測值返回擴縮決策（不含冷卻判斷）
func Decide(in Inputs, cfg Config) Decision {
	healthy := in.RenderMs < cfg.RenderBudgetMs && in.SimMs < cfg.SimBudgetMs()

	if in.Workers < cfg.MaxWorkers && healthy && in.QueueDepth > 4*(in.Workers+1) {
		return Grow
	}
	if in.Workers > cfg.MinWorkers && in.QueueDepth == 0 && in.RenderMs > cfg.RenderDegradedMs {
		return Shrink
	}
	return Hold
}

// Pool 被擴縮的對象
type Pool interface {
	CurrentWorkers() int
	Resize(target int) error
}

// DepthSource 佇列深度來源
type DepthSource interface {
	Len() int
}

// ============================================================================
// Autoscaler
// ============================================================================

// Autoscaler 週期性控制迴圈
type Autoscaler struct {
	cfg   Config
	pool  Pool
	queue DepthSource
	tm    *telemetry.Telemetry

	mu         sync.Mutex
	lastResize time.Time
	cron       *cron.Cron
}

// New 建立 Autoscaler，不會自動啟動
func New(cfg Config, pool Pool, queue DepthSource, tm *telemetry.Telemetry) (*Autoscaler, error) {
	if pool == nil || queue == nil || tm == nil {
		return nil, errors.New("autoscaler requires a pool, a queue and telemetry")
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("autoscaler period must be positive, got %s", cfg.Period)
	}
	if cfg.TargetTPS <= 0 || cfg.SimHeadroom <= 0 {
		return nil, fmt.Errorf("autoscaler needs positive tps and headroom, got %.2f/%.2f", cfg.TargetTPS, cfg.SimHeadroom)
	}
	return &Autoscaler{cfg: cfg, pool: pool, queue: queue, tm: tm}, nil
}

// NoteResize 記錄一次由外部（例如初始啟動）造成的擴縮，重設冷卻計時器
func (a *Autoscaler) NoteResize(now time.Time) {
	a.mu.Lock()
	a.lastResize = now
	a.mu.Unlock()
}

// Tick 執行一次決策
//
// 返回值：
//   - Decision: 實際執行的動作（冷卻中或條件不成立時為 Hold）
//   - error: Pool.Resize 的錯誤
func (a *Autoscaler) Tick(now time.Time) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastResize.IsZero() && now.Sub(a.lastResize) < a.cfg.Cooldown {
		return Hold, nil
	}

	w := a.pool.CurrentWorkers()
	in := Inputs{
		QueueDepth: a.queue.Len(),
		Workers:    w,
		RenderMs:   a.tm.RenderMs(),
		SimMs:      a.tm.SimMs(),
	}

	d := Decide(in, a.cfg)
	target := w
	switch d {
	case Grow:
		target = w + 1
	case Shrink:
		target = w - 1
	default:
		return Hold, nil
	}

	if err := a.pool.Resize(target); err != nil {
		return Hold, fmt.Errorf("autoscale %s to %d: %w", d, target, err)
	}
	a.lastResize = now

	log.Debug("Autoscale decision applied",
		"decision", d,
		"queue", in.QueueDepth,
		"render_ms", in.RenderMs,
		"sim_ms", in.SimMs,
		"workers", target)
	return d, nil
}

// Start 以 cron 排程週期性執行 Tick
func (a *Autoscaler) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return
	}

	logger := NewCronLogger(log)
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(a.cfg.Period), cron.FuncJob(func() {
		if _, err := a.Tick(time.Now()); err != nil {
			log.Warn("Autoscale tick failed", "error", err)
		}
	}))
	c.Start()
	a.cron = c

	log.Info("Autoscaler started", "period", a.cfg.Period, "cooldown", a.cfg.Cooldown)
}

// Stop 停止排程並等待正在執行的 tick 結束
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info("Autoscaler stopped")
}
