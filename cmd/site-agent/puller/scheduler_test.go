package puller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lyzr/sitesync/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerIsSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	s := NewScheduler(time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}, logger.NewDiscard())

	done := make(chan bool)
	go func() { done <- s.Trigger(context.Background()) }()

	<-started
	assert.True(t, s.Running())
	assert.False(t, s.Trigger(context.Background()), "overlapping cycle must be dropped")
	assert.Equal(t, int64(1), s.Dropped())

	close(release)
	assert.True(t, <-done)
	assert.False(t, s.Running())
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerRunsImmediatelyAndOnTicks(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, logger.NewDiscard())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no cycles after stop")
}

func TestSchedulerDropsTicksWhileCycleRuns(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32

	s := NewScheduler(5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, logger.NewDiscard())

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Dropped() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	s.Stop()
}

func TestSchedulerRejectsZeroInterval(t *testing.T) {
	s := NewScheduler(0, func(ctx context.Context) error { return nil }, logger.NewDiscard())
	assert.Error(t, s.Start(context.Background()))
}
