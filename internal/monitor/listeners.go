package monitor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
)

// Listener receives events synchronously on the logging goroutine.
// Listeners must be fast; wrap slow sinks with Async.
type Listener func(Event)

type listenerSet struct {
	mu     sync.RWMutex
	nextID int
	events map[int]Listener
	alerts map[int]Listener
}

func (s *listenerSet) add(critical bool, fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[int]Listener)
		s.alerts = make(map[int]Listener)
	}
	s.nextID++
	id := s.nextID
	target := s.events
	if critical {
		target = s.alerts
	}
	target[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(target, id)
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet) snapshot(critical bool) []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events
	if critical {
		src = s.alerts
	}
	out := make([]Listener, 0, len(src))
	for _, fn := range src {
		out = append(out, fn)
	}
	return out
}

func (s *listenerSet) notifyEvent(logger *zap.Logger, ev Event) {
	for _, fn := range s.snapshot(false) {
		call(logger, fn, ev)
	}
}

func (s *listenerSet) notifyAlert(logger *zap.Logger, ev Event) {
	for _, fn := range s.snapshot(true) {
		call(logger, fn, ev)
	}
}

func call(logger *zap.Logger, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event listener panicked", zap.String("event_id", ev.ID), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// OnEvent registers fn for every logged event. The returned func unsubscribes.
func (mo *Monitor) OnEvent(fn Listener) func() {
	return mo.listeners.add(false, fn)
}

// OnAlert registers fn for critical events only. The returned func unsubscribes.
func (mo *Monitor) OnAlert(fn Listener) func() {
	return mo.listeners.add(true, fn)
}

// AsyncListener hands events to fn on its own goroutine through a bounded queue.
// When the queue is full the event is dropped and counted.
type AsyncListener struct {
	name   string
	fn     Listener
	queue  chan Event
	logger *zap.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// Async starts a worker for fn with a queue of size events.
func Async(name string, size int, fn Listener, logger *zap.Logger) *AsyncListener {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AsyncListener{
		name:   name,
		fn:     fn,
		queue:  make(chan Event, size),
		logger: logger.Named("listener").With(zap.String("listener", name)),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Listen enqueues ev without blocking. Pass it to OnEvent or OnAlert.
func (a *AsyncListener) Listen(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		metrics.ListenerDroppedTotal.WithLabelValues(a.name).Inc()
		a.logger.Warn("listener queue full, event dropped", zap.String("event_id", ev.ID))
	}
}

// Close stops accepting events and waits until the queue is drained.
func (a *AsyncListener) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *AsyncListener) run() {
	defer close(a.done)
	for ev := range a.queue {
		call(a.logger, a.fn, ev)
	}
}
