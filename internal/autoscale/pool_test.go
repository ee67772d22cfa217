package autoscale

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestAutoscaledPool_RunsUntilFinished(t *testing.T) {
	var runs int32
	pool := New(PoolConfig{
		MinConcurrency: 2,
		MaxConcurrency: 2,
	}, nil, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}, func() bool { return true }, func() bool { return atomic.LoadInt32(&runs) >= 10 }, arbor.NewLogger())

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not finish in time")
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(10))
}

func TestAutoscaledPool_AbortStopsWorkers(t *testing.T) {
	var runs int32
	pool := New(PoolConfig{MinConcurrency: 1, MaxConcurrency: 1}, nil,
		func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}, func() bool { return true }, func() bool { return false }, arbor.NewLogger())

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Abort()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not abort in time")
	}
	assert.Greater(t, atomic.LoadInt32(&runs), int32(0))
}

func TestAutoscaledPool_IsTaskReadyGatesDispatch(t *testing.T) {
	ready := int32(0)
	var runs int32
	pool := New(PoolConfig{MinConcurrency: 1, MaxConcurrency: 1}, nil,
		func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
		func() bool { return atomic.LoadInt32(&ready) == 1 },
		func() bool { return atomic.LoadInt32(&runs) >= 1 },
		arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&runs), "no task should run while isTaskReady is false")

	atomic.StoreInt32(&ready, 1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not finish in time")
		cancel()
	}
}

func TestStepSize_IsAtLeastOne(t *testing.T) {
	assert.Equal(t, 1, stepSize(0, 0.05))
	assert.Equal(t, 1, stepSize(1, 0.05))
	assert.Equal(t, 5, stepSize(100, 0.05))
}

func TestAutoscaledPool_PauseStopsDispatchAndResizing(t *testing.T) {
	var runs int32
	pool := New(PoolConfig{MinConcurrency: 1, MaxConcurrency: 4, ScaleUpInterval: 5 * time.Millisecond, ScaleDownInterval: 5 * time.Millisecond}, nil,
		func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			time.Sleep(time.Millisecond)
			return nil
		}, func() bool { return true }, func() bool { return false }, arbor.NewLogger())

	pool.Pause()
	require.Equal(t, 0, pool.CurrentConcurrency())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, pool.CurrentConcurrency(), "paused pool should stay at MinConcurrency")
	assert.EqualValues(t, 0, atomic.LoadInt32(&runs), "a paused pool must not dispatch new tasks to in-flight workers")

	pool.Resume()
	time.Sleep(30 * time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&runs), int32(0), "resuming must let workers dispatch again")

	pool.Abort()
}
