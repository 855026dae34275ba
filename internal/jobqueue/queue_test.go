package jobqueue

// ============================================================================
// Job Queue 測試檔案
// 職責：驗證優先級排序、FIFO、阻塞取出、Drain 預算、關閉語義
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/voxel-pipeline/internal/telemetry"
	"github.com/ChuLiYu/voxel-pipeline/pkg/types"
)

func noop() error { return nil }

// ============================================================================
// 排序測試
// ============================================================================

// TestPriorityOrderScenario 提交 [BACKGROUND, CRITICAL, NEAR]，取出順序應為 [CRITICAL, NEAR, BACKGROUND]
func TestPriorityOrderScenario(t *testing.T) {
	q := New(nil, nil)

	_, err := q.Submit(NewFunc("bg", types.PriorityBackground, noop))
	require.NoError(t, err)
	_, err = q.Submit(NewFunc("crit", types.PriorityCritical, noop))
	require.NoError(t, err)
	_, err = q.Submit(NewFunc("near", types.PriorityNear, noop))
	require.NoError(t, err)

	var order []string
	q.Drain(time.Second, func(sj *ScheduledJob) {
		order = append(order, sj.Job.Name())
	})

	assert.Equal(t, []string{"crit", "near", "bg"}, order)
	assert.Equal(t, 0, q.Len())
}

// TestFIFOWithinPriority 同優先級按提交順序取出
func TestFIFOWithinPriority(t *testing.T) {
	q := New(nil, nil)
	for i := 0; i < 20; i++ {
		_, err := q.Submit(NewFunc(fmt.Sprintf("job-%02d", i), types.PriorityNear, noop))
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		sj, ok := q.TryTake()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("job-%02d", i), sj.Job.Name())
	}
}

// TestRandomSubmissionsTotalOrder 任意提交序列下，出列順序符合 (priority, seq) 全序
func TestRandomSubmissionsTotalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := New(nil, nil)

	for i := 0; i < 500; i++ {
		p := types.Priority(rng.Intn(3))
		_, err := q.Submit(NewFunc(fmt.Sprintf("j%d", i), p, noop))
		require.NoError(t, err)
	}

	var prev *ScheduledJob
	for {
		sj, ok := q.TryTake()
		if !ok {
			break
		}
		if prev != nil {
			assert.True(t, prev.Less(sj), "job %d/%s dequeued before %d/%s",
				prev.Seq, prev.Priority, sj.Seq, sj.Priority)
		}
		prev = sj
	}
}

// TestSequenceNumbersUnique 並發提交時序號唯一
func TestSequenceNumbersUnique(t *testing.T) {
	q := New(nil, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := q.Submit(NewFunc("c", types.PriorityNear, noop))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for {
		sj, ok := q.TryTake()
		if !ok {
			break
		}
		assert.False(t, seen[sj.Seq], "duplicate sequence %d", sj.Seq)
		seen[sj.Seq] = true
	}
	assert.Len(t, seen, 800)
}

// ============================================================================
// 阻塞取出測試
// ============================================================================

// TestTakeBlocksUntilSubmit Take 會阻塞直到有任務
func TestTakeBlocksUntilSubmit(t *testing.T) {
	q := New(nil, nil)

	got := make(chan *ScheduledJob, 1)
	go func() {
		sj, err := q.Take(context.Background())
		if err == nil {
			got <- sj
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned before any job was submitted")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Submit(NewFunc("late", types.PriorityCritical, noop))
	require.NoError(t, err)

	select {
	case sj := <-got:
		assert.Equal(t, "late", sj.Job.Name())
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up after submit")
	}
}

// TestTakeCancelled ctx 取消會中斷阻塞中的 Take
func TestTakeCancelled(t *testing.T) {
	q := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Take was not interrupted by cancellation")
	}
}

// TestTakeCancelledDoesNotConsume 已取消的 ctx 不會取走任務
func TestTakeCancelledDoesNotConsume(t *testing.T) {
	q := New(nil, nil)
	_, err := q.Submit(NewFunc("keep", types.PriorityNear, noop))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Len())
}

// TestCloseWakesTakers Close 會喚醒所有等待者並丟棄任務
func TestCloseWakesTakers(t *testing.T) {
	q := New(nil, nil)

	const takers = 4
	errCh := make(chan error, takers)
	for i := 0; i < takers; i++ {
		go func() {
			_, err := q.Take(context.Background())
			errCh <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, q.Close())
	for i := 0; i < takers; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrQueueClosed)
		case <-time.After(time.Second):
			t.Fatal("taker not woken by Close")
		}
	}
}

// TestCloseDiscardsPending 關閉時未開始的任務被丟棄
func TestCloseDiscardsPending(t *testing.T) {
	tm := telemetry.New(0.1)
	q := New(tm, nil)
	for i := 0; i < 5; i++ {
		_, err := q.Submit(NewFunc("x", types.PriorityBackground, noop))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, tm.QueuedJobs())

	assert.Equal(t, 5, q.Close())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, tm.QueuedJobs())
	assert.True(t, q.IsClosed())

	_, err := q.Submit(NewFunc("after", types.PriorityCritical, noop))
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, 0, q.Close(), "second Close is a no-op")
}

func TestSubmitNil(t *testing.T) {
	q := New(nil, nil)
	_, err := q.Submit(nil)
	assert.ErrorIs(t, err, ErrNilJob)
}

func TestSubmitInvalidPriority(t *testing.T) {
	q := New(nil, nil)
	_, err := q.Submit(NewFunc("odd", types.Priority(7), noop))
	assert.ErrorIs(t, err, ErrInvalidPriority)
	assert.Equal(t, 0, q.Len())
}

// ============================================================================
// Drain 測試
// ============================================================================

// TestDrainRespectsBudget Drain 佔用時間不超過 budget 加一個任務
func TestDrainRespectsBudget(t *testing.T) {
	q := New(nil, nil)
	const jobCost = 3 * time.Millisecond
	for i := 0; i < 100; i++ {
		_, err := q.Submit(NewFunc("slow", types.PriorityNear, func() error {
			time.Sleep(jobCost)
			return nil
		}))
		require.NoError(t, err)
	}

	exec := NewExecutor(nil, nil)
	budget := 10 * time.Millisecond
	start := time.Now()
	n := q.Drain(budget, func(sj *ScheduledJob) { _ = exec.Execute(sj, "inline") })
	elapsed := time.Since(start)

	assert.Greater(t, n, 0)
	assert.Less(t, n, 100)
	// 容許排程抖動
	assert.Less(t, elapsed, budget+jobCost+20*time.Millisecond)
	assert.Equal(t, 100-n, q.Len())
}

// TestDrainEmptyQueue 空佇列立即返回
func TestDrainEmptyQueue(t *testing.T) {
	q := New(nil, nil)
	start := time.Now()
	n := q.Drain(50*time.Millisecond, func(*ScheduledJob) {})
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

// TestDrainZeroBudget 零預算不執行任何任務
func TestDrainZeroBudget(t *testing.T) {
	q := New(nil, nil)
	_, err := q.Submit(NewFunc("x", types.PriorityNear, noop))
	require.NoError(t, err)

	assert.Equal(t, 0, q.Drain(0, func(*ScheduledJob) {}))
	assert.Equal(t, 1, q.Len())
}

// ============================================================================
// Executor 測試
// ============================================================================

func TestExecutorRecoversPanic(t *testing.T) {
	tm := telemetry.New(0.1)
	exec := NewExecutor(tm, nil)
	q := New(tm, nil)

	sj, err := q.Submit(NewFunc("boom", types.PriorityCritical, func() error {
		panic("kaboom")
	}))
	require.NoError(t, err)

	var execErr error
	require.NotPanics(t, func() { execErr = exec.Execute(sj, "test") })

	var jobErr *JobError
	require.True(t, errors.As(execErr, &jobErr))
	assert.True(t, jobErr.Panicked)
	assert.Equal(t, "boom", jobErr.Name)
	assert.ErrorIs(t, execErr, ErrJobPanicked)
	assert.Contains(t, execErr.Error(), "kaboom")
}

func TestExecutorWrapsError(t *testing.T) {
	exec := NewExecutor(nil, nil)
	cause := errors.New("disk on fire")
	sj := &ScheduledJob{
		Job:         NewFunc("fail", types.PriorityNear, func() error { return cause }),
		Priority:    types.PriorityNear,
		SubmittedAt: time.Now(),
	}

	err := exec.Execute(sj, "test")
	assert.ErrorIs(t, err, cause)

	var jobErr *JobError
	require.True(t, errors.As(err, &jobErr))
	assert.False(t, jobErr.Panicked)
	assert.Equal(t, types.PriorityNear, jobErr.Priority)
}

func TestExecutorSamplesTelemetry(t *testing.T) {
	tm := telemetry.New(1.0)
	exec := NewExecutor(tm, nil)
	sj := &ScheduledJob{
		Job: NewFunc("sleep", types.PriorityNear, func() error {
			time.Sleep(2 * time.Millisecond)
			return nil
		}),
		SubmittedAt: time.Now().Add(-10 * time.Millisecond),
	}

	require.NoError(t, exec.Execute(sj, "test"))
	assert.GreaterOrEqual(t, tm.JobWaitMs(), 10.0)
	assert.GreaterOrEqual(t, tm.JobExecMs(), 2.0)
}
