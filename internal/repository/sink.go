package repository

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
)

const (
	sinkFlushEvery = time.Second
	sinkFlushAt    = 100
	sinkMaxPending = 10000
	sinkTimeout    = 5 * time.Second
)

// Sink batches monitor events into an EventStore. Record never blocks on I/O;
// a failed batch is logged and dropped.
type Sink struct {
	store  EventStore
	logger *zap.Logger

	mu      sync.Mutex
	pending []monitor.Event

	kick      chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSink starts a sink flushing every second or once 100 events are pending.
func NewSink(store EventStore, logger *zap.Logger) *Sink {
	return newSink(store, logger, sinkFlushEvery)
}

func newSink(store EventStore, logger *zap.Logger, every time.Duration) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		store:   store,
		logger:  logger.Named("event-sink"),
		pending: make([]monitor.Event, 0, sinkFlushAt),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop(every)
	return s
}

// Record queues ev. Usable directly as a monitor listener.
func (s *Sink) Record(ev monitor.Event) {
	s.mu.Lock()
	if len(s.pending) >= sinkMaxPending {
		s.pending = s.pending[1:]
		metrics.ListenerDroppedTotal.WithLabelValues("repository").Inc()
	}
	s.pending = append(s.pending, ev)
	full := len(s.pending) >= sinkFlushAt
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func (s *Sink) loop(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.kick:
			s.Flush()
		case <-s.stopCh:
			return
		}
	}
}

// Flush writes pending events now and reports how many were stored.
func (s *Sink) Flush() int {
	s.mu.Lock()
	batch := s.pending
	s.pending = make([]monitor.Event, 0, sinkFlushAt)
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := s.store.SaveSecurityEvents(ctx, batch); err != nil {
		s.logger.Warn("failed to persist security events", zap.Int("count", len(batch)), zap.Error(err))
		metrics.ListenerDroppedTotal.WithLabelValues("repository").Add(float64(len(batch)))
		return 0
	}
	return len(batch)
}

// Close stops the flush loop and writes whatever is pending.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		s.Flush()
	})
}
