// ============================================================================
// Voxel-Pipeline Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器與管線的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - voxel_jobs_submitted_total{priority}: 提交任務總數
//      - voxel_jobs_executed_total: 已執行任務總數
//      - voxel_jobs_failed_total: 失敗任務總數（錯誤或 panic）
//      - voxel_pool_resizes_total{direction}: Worker Pool 調整次數
//      - voxel_uploads_drained_total: 渲染端消費的網格數
//      - voxel_stage_transitions_total{stage}: 區塊進入各階段的次數
//
//   2. 性能指標 (Histogram)：
//      - voxel_job_exec_seconds: 任務執行時間分佈
//
//   3. 狀態指標 (Gauge)：
//      - voxel_queue_depth: 當前佇列深度
//      - voxel_workers: 當前 Worker 數量
//      - voxel_render_ms / voxel_sim_ms: EWMA 平滑後的幀時間與 tick 時間
//
// Prometheus 查詢示例:
//
//   # 每秒完成的區塊
//   rate(voxel_stage_transitions_total{stage="ready"}[1m])
//
//   # 95 分位任務執行時間
//   histogram_quantile(0.95, voxel_job_exec_seconds_bucket)
//
// 所有 Record 方法在 nil 接收者上都是 no-op，方便測試時不注入 Collector。
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted *prometheus.CounterVec
	jobsExecuted  prometheus.Counter
	jobsFailed    prometheus.Counter

	// 效能指標
	jobExec prometheus.Histogram

	// Pool 與管線
	poolResizes      *prometheus.CounterVec
	uploadsDrained   prometheus.Counter
	stageTransitions *prometheus.CounterVec

	// 狀態指標
	queueDepth prometheus.Gauge
	workers    prometheus.Gauge
	renderMs   prometheus.Gauge
	simMs      prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用 DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxel_jobs_submitted_total",
			Help: "Total number of jobs submitted to the job queue",
		}, []string{"priority"}),
		jobsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_jobs_executed_total",
			Help: "Total number of jobs executed by workers or inline",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_jobs_failed_total",
			Help: "Total number of jobs that returned an error or panicked",
		}),
		jobExec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxel_job_exec_seconds",
			Help:    "Job execution time in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		poolResizes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxel_pool_resizes_total",
			Help: "Total number of worker pool resizes",
		}, []string{"direction"}),
		uploadsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxel_uploads_drained_total",
			Help: "Total number of mesh uploads consumed by the render loop",
		}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxel_stage_transitions_total",
			Help: "Total number of region stage transitions by target stage",
		}, []string{"stage"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxel_queue_depth",
			Help: "Current number of pending jobs",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxel_workers",
			Help: "Current number of worker goroutines",
		}),
		renderMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxel_render_ms",
			Help: "Smoothed render frame time in milliseconds",
		}),
		simMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxel_sim_ms",
			Help: "Smoothed simulation tick time in milliseconds",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsExecuted,
		c.jobsFailed,
		c.jobExec,
		c.poolResizes,
		c.uploadsDrained,
		c.stageTransitions,
		c.queueDepth,
		c.workers,
		c.renderMs,
		c.simMs,
	)

	// 預先建立每個階段的序列，尚未發生的轉換也會以 0 匯出
	for _, s := range types.Stages() {
		if s != types.StageUnloaded {
			c.stageTransitions.WithLabelValues(s.String())
		}
	}

	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit(p types.Priority) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(p.String()).Inc()
}

// RecordExecuted 記錄任務執行完成（不論成功與否）
func (c *Collector) RecordExecuted(seconds float64, failed bool) {
	if c == nil {
		return
	}
	c.jobsExecuted.Inc()
	c.jobExec.Observe(seconds)
	if failed {
		c.jobsFailed.Inc()
	}
}

// RecordResize 記錄 Pool 調整
func (c *Collector) RecordResize(from, to int) {
	if c == nil || from == to {
		return
	}
	direction := "up"
	if to < from {
		direction = "down"
	}
	c.poolResizes.WithLabelValues(direction).Inc()
	c.workers.Set(float64(to))
}

// RecordUploads 記錄渲染端消費的網格數
func (c *Collector) RecordUploads(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.uploadsDrained.Add(float64(n))
}

// RecordStage 記錄區塊進入某個階段
func (c *Collector) RecordStage(s types.Stage) {
	if c == nil {
		return
	}
	c.stageTransitions.WithLabelValues(s.String()).Inc()
}

// SetQueueDepth 更新佇列深度
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// SetWorkers 更新 Worker 數量
func (c *Collector) SetWorkers(n int) {
	if c == nil {
		return
	}
	c.workers.Set(float64(n))
}

// SetLoopTimes 更新平滑後的 render/sim 時間
func (c *Collector) SetLoopTimes(renderMs, simMs float64) {
	if c == nil {
		return
	}
	c.renderMs.Set(renderMs)
	c.simMs.Set(simMs)
}
