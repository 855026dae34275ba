package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEWMAUpdateRule(t *testing.T) {
	e := NewEWMA(0.1)
	assert.Equal(t, 0.0, e.Value())

	e.Observe(10)
	assert.InDelta(t, 1.0, e.Value(), 1e-9)

	e.Observe(10)
	assert.InDelta(t, 1.9, e.Value(), 1e-9)
}

func TestEWMAInvalidAlphaFallsBack(t *testing.T) {
	e := NewEWMA(0)
	e.Observe(100)
	assert.InDelta(t, 100*DefaultAlpha, e.Value(), 1e-9)
}

func TestEWMAConverges(t *testing.T) {
	e := NewEWMA(0.1)
	for i := 0; i < 500; i++ {
		e.Observe(8)
	}
	assert.InDelta(t, 8.0, e.Value(), 1e-6)
}

func TestEWMAConcurrentObserve(t *testing.T) {
	e := NewEWMA(0.5)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				e.Observe(4)
			}
		}()
	}
	wg.Wait()
	assert.InDelta(t, 4.0, e.Value(), 1e-9)
}

func TestTelemetrySamples(t *testing.T) {
	tm := New(0.1)

	tm.SampleRender(10 * time.Millisecond)
	tm.SampleSim(20 * time.Millisecond)
	tm.SampleJobWait(5 * time.Millisecond)
	tm.SampleJobExec(2 * time.Millisecond)
	tm.SetQueuedJobs(7)
	tm.MarkFrame()
	tm.MarkFrame()

	snap := tm.Snapshot()
	assert.InDelta(t, 1.0, snap.RenderMs, 1e-9)
	assert.InDelta(t, 2.0, snap.SimMs, 1e-9)
	assert.InDelta(t, 0.5, snap.JobWaitMs, 1e-9)
	assert.InDelta(t, 0.2, snap.JobExecMs, 1e-9)
	assert.Equal(t, 7, snap.QueuedJobs)
	assert.Equal(t, uint64(2), snap.Frames)
}

func TestInterpAlphaClamped(t *testing.T) {
	tm := New(0.1)
	tm.SetSimStep(50 * time.Millisecond)

	now := time.Now()
	tm.MarkSimTick(now)

	require.InDelta(t, 0.5, tm.InterpAlpha(now.Add(25*time.Millisecond)), 1e-9)
	assert.Equal(t, 1.0, tm.InterpAlpha(now.Add(time.Second)))
	assert.Equal(t, 0.0, tm.InterpAlpha(now.Add(-time.Second)))
}
