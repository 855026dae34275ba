// ============================================================================
// Voxel-Pipeline Telemetry - EWMA smoothed engine signals
// ============================================================================
//
// Package: internal/telemetry
// File: telemetry.go
// Function: Process-wide smoothed metrics read by the autoscaler and the
// diagnostics line.
//
// Update rule for every sampled scalar:
//
//	ema <- ema + alpha * (sample - ema)
//
// Signals:
//   - render frame duration (render loop is the only producer)
//   - simulation tick duration (simulation loop is the only producer)
//   - job wait time, job execution time (workers and inline executor)
//   - queue depth (raw, written by the job queue on every mutation)
//   - frame counter and last sim tick timestamp
//
// Concurrency:
//   Every field is an atomic; EWMA updates use a CAS loop on the float bits,
//   so concurrent producers of the job signals never lose a sample.
//
// ============================================================================

package telemetry

import (
	"math"
	"sync/atomic"
	"time"
)

// DefaultAlpha EWMA smoothing factor
const DefaultAlpha = 0.1

// EWMA is a lock-free exponentially weighted moving average.
type EWMA struct {
	alpha float64
	bits  atomic.Uint64
}

// NewEWMA creates an EWMA starting at zero.
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EWMA{alpha: alpha}
}

// Observe folds one sample into the average.
func (e *EWMA) Observe(sample float64) {
	for {
		old := e.bits.Load()
		prev := math.Float64frombits(old)
		next := prev + e.alpha*(sample-prev)
		if e.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Value returns the current smoothed value.
func (e *EWMA) Value() float64 {
	return math.Float64frombits(e.bits.Load())
}

// Telemetry is the explicit telemetry handle constructed once at start and
// passed to every component that reads or writes it.
type Telemetry struct {
	renderMs  *EWMA
	simMs     *EWMA
	jobWaitMs *EWMA
	jobExecMs *EWMA

	queuedJobs atomic.Int64
	frames     atomic.Uint64

	lastSimTick atomic.Int64 // unix nanos
	simStep     atomic.Int64 // nanos
}

// New creates a Telemetry handle with the given smoothing factor.
func New(alpha float64) *Telemetry {
	t := &Telemetry{
		renderMs:  NewEWMA(alpha),
		simMs:     NewEWMA(alpha),
		jobWaitMs: NewEWMA(alpha),
		jobExecMs: NewEWMA(alpha),
	}
	t.lastSimTick.Store(time.Now().UnixNano())
	t.simStep.Store(int64(50 * time.Millisecond))
	return t
}

// SampleRender records one render frame duration.
func (t *Telemetry) SampleRender(d time.Duration) { t.renderMs.Observe(durationMs(d)) }

// SampleSim records one simulation tick duration.
func (t *Telemetry) SampleSim(d time.Duration) { t.simMs.Observe(durationMs(d)) }

// SampleJobWait records the time a job spent queued before it started.
func (t *Telemetry) SampleJobWait(d time.Duration) { t.jobWaitMs.Observe(durationMs(d)) }

// SampleJobExec records a job's execution time.
func (t *Telemetry) SampleJobExec(d time.Duration) { t.jobExecMs.Observe(durationMs(d)) }

// SetQueuedJobs stores the raw queue depth.
func (t *Telemetry) SetQueuedJobs(n int) { t.queuedJobs.Store(int64(n)) }

// QueuedJobs returns the last stored queue depth.
func (t *Telemetry) QueuedJobs() int { return int(t.queuedJobs.Load()) }

// MarkFrame increments the rendered frame counter.
func (t *Telemetry) MarkFrame() { t.frames.Add(1) }

// FrameCount returns the number of rendered frames.
func (t *Telemetry) FrameCount() uint64 { return t.frames.Load() }

// RenderMs smoothed render frame time in milliseconds.
func (t *Telemetry) RenderMs() float64 { return t.renderMs.Value() }

// SimMs smoothed simulation tick time in milliseconds.
func (t *Telemetry) SimMs() float64 { return t.simMs.Value() }

// JobWaitMs smoothed job queue wait in milliseconds.
func (t *Telemetry) JobWaitMs() float64 { return t.jobWaitMs.Value() }

// JobExecMs smoothed job execution time in milliseconds.
func (t *Telemetry) JobExecMs() float64 { return t.jobExecMs.Value() }

// SetSimStep sets the fixed simulation step used by InterpAlpha.
func (t *Telemetry) SetSimStep(step time.Duration) {
	if step > 0 {
		t.simStep.Store(int64(step))
	}
}

// MarkSimTick records the end of a simulation tick.
func (t *Telemetry) MarkSimTick(now time.Time) { t.lastSimTick.Store(now.UnixNano()) }

// InterpAlpha returns how far (0..1) the render side is between two sim ticks.
func (t *Telemetry) InterpAlpha(now time.Time) float64 {
	a := float64(now.UnixNano()-t.lastSimTick.Load()) / float64(t.simStep.Load())
	switch {
	case a < 0:
		return 0
	case a > 1:
		return 1
	default:
		return a
	}
}

// Snapshot is a point-in-time copy of the telemetry values.
type Snapshot struct {
	RenderMs   float64 `json:"render_ms"`
	SimMs      float64 `json:"sim_ms"`
	JobWaitMs  float64 `json:"job_wait_ms"`
	JobExecMs  float64 `json:"job_exec_ms"`
	QueuedJobs int     `json:"queued_jobs"`
	Frames     uint64  `json:"frames"`
}

// Snapshot copies the current values.
func (t *Telemetry) Snapshot() Snapshot {
	return Snapshot{
		RenderMs:   t.RenderMs(),
		SimMs:      t.SimMs(),
		JobWaitMs:  t.JobWaitMs(),
		JobExecMs:  t.JobExecMs(),
		QueuedJobs: t.QueuedJobs(),
		Frames:     t.FrameCount(),
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
