// ============================================================================
// Voxel-Pipeline Config - 設定檔載入與驗證
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 從 YAML 載入引擎設定，補上預設值並驗證
//
// 未出現在檔案中的欄位保留 Default() 的值。
// time.Duration 欄位接受 Go duration 字串（"2.5s"、"200ms"）。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 設定值不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 引擎設定
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Workers     WorkersConfig     `yaml:"workers"`
	Autoscale   AutoscaleConfig   `yaml:"autoscale"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Render      RenderConfig      `yaml:"render"`
	Storage     StorageConfig     `yaml:"storage"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// EngineConfig 模擬迴圈
type EngineConfig struct {
	TargetTPS int `yaml:"target_tps"`
	// InlineBudget 沒有 Worker 時每個 tick 內聯執行任務的預算
	InlineBudget time.Duration `yaml:"inline_budget"`
	// EWMAAlpha telemetry 平滑係數
	EWMAAlpha float64 `yaml:"ewma_alpha"`
	// Duration 執行多久後自動停止；0 表示直到收到訊號
	Duration time.Duration `yaml:"duration"`
}

// WorkersConfig Worker Pool 範圍
type WorkersConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// AutoscaleConfig 自動擴縮
type AutoscaleConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Period           time.Duration `yaml:"period"`
	Cooldown         time.Duration `yaml:"cooldown"`
	RenderBudgetMs   float64       `yaml:"render_budget_ms"`
	RenderDegradedMs float64       `yaml:"render_degraded_ms"`
	SimHeadroom      float64       `yaml:"sim_headroom"`
}

// PipelineConfig 區塊管線
type PipelineConfig struct {
	// InitialRadius 啟動時請求的區塊半徑
	InitialRadius int `yaml:"initial_radius"`
}

// RenderConfig 渲染端
type RenderConfig struct {
	TargetFPS     int           `yaml:"target_fps"`
	DrainPerFrame int           `yaml:"drain_per_frame"`
	ViewRadius    int           `yaml:"view_radius"`
	CameraSpeed   float64       `yaml:"camera_speed"`
	EditEvery     int           `yaml:"edit_every"`
	FrameCost     time.Duration `yaml:"frame_cost"`
	Seed          int64         `yaml:"seed"`
}

// StorageConfig 編輯持久化
type StorageConfig struct {
	// Dir 為空時不持久化
	Dir              string        `yaml:"dir"`
	JournalBuffer    int           `yaml:"journal_buffer"`
	JournalFlush     time.Duration `yaml:"journal_flush"`
	KeepBackups      int           `yaml:"keep_backups"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// DiagnosticsConfig 診斷輸出
type DiagnosticsConfig struct {
	// Interval 診斷行輸出頻率
	Interval time.Duration `yaml:"interval"`
	// HTTPAddr 為空時不啟動 HTTP 服務
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr 為空時不啟動 gRPC 服務
	GRPCAddr string `yaml:"grpc_addr"`
}

// DefaultMaxWorkers max(1, cpus-2)
func DefaultMaxWorkers() int {
	return max(1, runtime.NumCPU()-2)
}

// Default 返回預設設定
func Default() Config {
	return Config{
		Engine: EngineConfig{
			TargetTPS:    20,
			InlineBudget: 2 * time.Millisecond,
			EWMAAlpha:    0.1,
		},
		Workers: WorkersConfig{
			Min: 0,
			Max: DefaultMaxWorkers(),
		},
		Autoscale: AutoscaleConfig{
			Enabled:          true,
			Period:           time.Second,
			Cooldown:         2500 * time.Millisecond,
			RenderBudgetMs:   8,
			RenderDegradedMs: 12,
			SimHeadroom:      0.8,
		},
		Pipeline: PipelineConfig{
			InitialRadius: 4,
		},
		Render: RenderConfig{
			TargetFPS:     120,
			DrainPerFrame: 2,
			ViewRadius:    4,
			CameraSpeed:   0.25,
			EditEvery:     120,
			FrameCost:     2 * time.Millisecond,
			Seed:          1,
		},
		Storage: StorageConfig{
			JournalBuffer:    64,
			JournalFlush:     200 * time.Millisecond,
			KeepBackups:      2,
			SnapshotInterval: 30 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			Interval: time.Second,
		},
	}
}

// Load 讀取 YAML 設定檔；path 為空時返回預設設定
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 檢查設定值
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Engine.TargetTPS > 0, "engine.target_tps must be positive, got %d", c.Engine.TargetTPS)
	check(c.Engine.InlineBudget >= 0, "engine.inline_budget must not be negative")
	check(c.Engine.EWMAAlpha > 0 && c.Engine.EWMAAlpha <= 1, "engine.ewma_alpha must be in (0, 1], got %g", c.Engine.EWMAAlpha)
	check(c.Engine.Duration >= 0, "engine.duration must not be negative")
	check(c.Workers.Min >= 0, "workers.min must not be negative, got %d", c.Workers.Min)
	check(c.Workers.Min <= c.Workers.Max, "workers.min (%d) exceeds workers.max (%d)", c.Workers.Min, c.Workers.Max)
	if c.Autoscale.Enabled {
		check(c.Autoscale.Period > 0, "autoscale.period must be positive")
		check(c.Autoscale.Cooldown >= 0, "autoscale.cooldown must not be negative")
		check(c.Autoscale.SimHeadroom > 0 && c.Autoscale.SimHeadroom <= 1, "autoscale.sim_headroom must be in (0, 1], got %g", c.Autoscale.SimHeadroom)
		check(c.Autoscale.RenderBudgetMs > 0, "autoscale.render_budget_ms must be positive")
		check(c.Autoscale.RenderDegradedMs > 0, "autoscale.render_degraded_ms must be positive")
	}
	check(c.Pipeline.InitialRadius >= 0, "pipeline.initial_radius must not be negative")
	check(c.Render.TargetFPS >= 0, "render.target_fps must not be negative")
	check(c.Render.DrainPerFrame > 0, "render.drain_per_frame must be positive, got %d", c.Render.DrainPerFrame)
	check(c.Render.ViewRadius >= 0, "render.view_radius must not be negative")
	check(c.Diagnostics.Interval > 0, "diagnostics.interval must be positive")
	if c.Storage.Dir != "" {
		check(c.Storage.JournalBuffer > 0, "storage.journal_buffer must be positive")
		check(c.Storage.KeepBackups >= 0, "storage.keep_backups must not be negative")
		check(c.Storage.SnapshotInterval > 0, "storage.snapshot_interval must be positive")
	}

	return errors.Join(errs...)
}

// SimStep 模擬步長
func (c Config) SimStep() time.Duration {
	return time.Second / time.Duration(c.Engine.TargetTPS)
}
