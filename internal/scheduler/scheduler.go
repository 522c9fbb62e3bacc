// Package scheduler runs named recurring maintenance tasks on an injectable clock.
//
// A failing or panicking task is logged and counted; it never stops the
// scheduler or other tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
)

// TaskFunc is one tick of a recurring task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler owns a set of recurring tasks. Register with Every, then Start once.
type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []task
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil clock means the real clock.
func New(clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{clock: clock, logger: logger.Named("scheduler")}
}

// Every registers fn to run every interval after Start. Tasks added after Start are ignored.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	if interval <= 0 {
		panic(fmt.Sprintf("scheduler: task %s has non-positive interval", name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn("task registered after start, ignored", zap.String("task", name))
		return
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per task. Runs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Stop cancels all tasks and waits for running ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerTaskRunsTotal.WithLabelValues(t.name, "panic").Inc()
			s.logger.Error("task panicked", zap.String("task", t.name), zap.Any("panic", r))
		}
	}()

	if err := t.fn(ctx); err != nil {
		metrics.SchedulerTaskRunsTotal.WithLabelValues(t.name, "error").Inc()
		s.logger.Error("task failed", zap.String("task", t.name), zap.Error(err))
		return
	}
	metrics.SchedulerTaskRunsTotal.WithLabelValues(t.name, "ok").Inc()
}
