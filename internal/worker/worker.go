// ============================================================================
// Voxel-Pipeline Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: A single worker goroutine that services the shared job queue
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Take the highest priority job from the queue (blocking wait)
//   2. Execute it through the shared Executor (recover boundary)
//   3. Repeat until its own context is cancelled or the queue is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for {                        │   │
//   │  │   ├─ queue.Take(ctx)          │   │
//   │  │   ├─ executor.Execute(job)    │   │
//   │  │   └─ loop                     │   │
//   │  │ }                            │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Cancellation:
//   - Every Worker owns a private context; the Pool cancels exactly the
//     workers it wants to remove
//   - Cancellation interrupts the blocking Take only. A job that already
//     started runs to completion; the worker exits before taking the next one
//
// Error Handling:
//   - Job errors and panics are converted to *jobqueue.JobError and logged
//     by the Executor; the worker keeps running
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/voxel-pipeline/internal/jobqueue"
)

// Worker represents a work execution unit
type Worker struct {
	id     int                // Worker unique identifier, used for logging
	name   string             // runner label passed to the Executor
	cancel context.CancelFunc // stops this worker only
}

// newWorker creates a new Worker instance with its own cancellable context
func newWorker(parent context.Context, id int) (*Worker, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		id:     id,
		name:   fmt.Sprintf("worker-%d", id),
		cancel: cancel,
	}, ctx
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context, queue *jobqueue.Queue, exec *jobqueue.Executor) {
	log.Debug("Worker started", "worker", w.id)

	for {
		sj, err := queue.Take(ctx)
		if err != nil {
			if errors.Is(err, jobqueue.ErrQueueClosed) {
				log.Debug("Worker exiting, queue closed", "worker", w.id)
			} else {
				log.Debug("Worker exiting, stop requested", "worker", w.id)
			}
			return
		}

		// Errors are already logged inside Execute
		_ = exec.Execute(sj, w.name)
	}
}

// Stop requests the worker to exit; it does not wait
func (w *Worker) Stop() {
	w.cancel()
}
