package puller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/sitesync/common/logger"
)

// Scheduler runs a cycle on a fixed interval, at most one at a time.
// A tick that arrives while a cycle is in flight is dropped and counted.
type Scheduler struct {
	interval time.Duration
	run      func(ctx context.Context) error
	log      *logger.Logger

	running atomic.Bool
	dropped atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler for run
func NewScheduler(interval time.Duration, run func(ctx context.Context) error, log *logger.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		run:      run,
		log:      log,
	}
}

// Start runs a cycle immediately and then on every tick until Stop or ctx ends
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.log.Info("scheduler starting", "interval", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler shutting down")
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch starts a cycle in the background unless one is still running
func (s *Scheduler) dispatch(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		n := s.dropped.Add(1)
		s.log.Debug("cycle still running, tick dropped", "dropped_total", n)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.execute(ctx)
	}()
}

// Trigger runs one cycle in the caller's goroutine. It returns false without
// running when another cycle is in flight.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		return false
	}
	defer s.running.Store(false)
	s.execute(ctx)
	return true
}

func (s *Scheduler) execute(ctx context.Context) {
	if err := s.run(ctx); err != nil {
		s.log.Warn("sync cycle failed", "error", err)
	}
}

// Stop cancels the loop and waits for an in-flight cycle to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Running reports whether a cycle is in flight
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Dropped returns how many ticks were skipped because a cycle was running
func (s *Scheduler) Dropped() int64 {
	return s.dropped.Load()
}
