package jobqueue

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/metrics"
	"github.com/ChuLiYu/voxel-pipeline/internal/telemetry"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

var log = logging.For("jobqueue")

// Job is a unit of deferrable work.
type Job interface {
	Priority() types.Priority
	Name() string
	Run() error
}

// funcJob adapts a plain function to the Job interface.
type funcJob struct {
	name     string
	priority types.Priority
	fn       func() error
}

// NewFunc wraps fn as a Job.
func NewFunc(name string, p types.Priority, fn func() error) Job {
	return &funcJob{name: name, priority: p, fn: fn}
}

func (j *funcJob) Priority() types.Priority { return j.priority }
func (j *funcJob) Name() string             { return j.name }
func (j *funcJob) Run() error               { return j.fn() }

// ScheduledJob wraps a Job with its immutable ordering key.
type ScheduledJob struct {
	Job         Job
	Priority    types.Priority
	Seq         uint64
	SubmittedAt time.Time
	TraceID     uuid.UUID
}

// Less reports whether a must be dequeued before b:
// lower priority ordinal first, then lower sequence number.
func (a *ScheduledJob) Less(b *ScheduledJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

// JobError is a failure recovered from a job's action.
type JobError struct {
	Name     string
	Priority types.Priority
	Cause    error
	Panicked bool
}

func (e *JobError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("job %s (%s) panicked: %v", e.Name, e.Priority, e.Cause)
	}
	return fmt.Sprintf("job %s (%s) failed: %v", e.Name, e.Priority, e.Cause)
}

func (e *JobError) Unwrap() error { return e.Cause }

// ErrJobPanicked marks the cause of a JobError produced by a recovered panic.
var ErrJobPanicked = errors.New("job panicked")

// Executor runs scheduled jobs behind a recover boundary and records
// wait/exec telemetry. It is shared by pool workers and the inline fallback.
type Executor struct {
	tm      *telemetry.Telemetry
	metrics *metrics.Collector
}

// NewExecutor creates an Executor. Both arguments may be nil.
func NewExecutor(tm *telemetry.Telemetry, m *metrics.Collector) *Executor {
	return &Executor{tm: tm, metrics: m}
}

// Execute runs sj. Errors and panics are logged and returned as *JobError;
// they never escape as panics.
func (e *Executor) Execute(sj *ScheduledJob, runner string) (err error) {
	start := time.Now()
	if e.tm != nil {
		e.tm.SampleJobWait(start.Sub(sj.SubmittedAt))
	}

	defer func() {
		if r := recover(); r != nil {
			err = &JobError{
				Name:     sj.Job.Name(),
				Priority: sj.Priority,
				Cause:    fmt.Errorf("%w: %v", ErrJobPanicked, r),
				Panicked: true,
			}
			log.Error("Job panicked",
				"job", sj.Job.Name(),
				"priority", sj.Priority,
				"runner", runner,
				"trace", sj.TraceID,
				"panic", r,
				"stack", string(debug.Stack()))
		}

		elapsed := time.Since(start)
		if e.tm != nil {
			e.tm.SampleJobExec(elapsed)
		}
		e.metrics.RecordExecuted(elapsed.Seconds(), err != nil)
	}()

	if runErr := sj.Job.Run(); runErr != nil {
		err = &JobError{Name: sj.Job.Name(), Priority: sj.Priority, Cause: runErr}
		log.Error("Job failed",
			"job", sj.Job.Name(),
			"priority", sj.Priority,
			"runner", runner,
			"trace", sj.TraceID,
			"error", runErr)
	}
	return err
}
