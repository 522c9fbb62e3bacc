// Package alert delivers critical security events to on-call channels.
//
// Every implementation satisfies monitor.AlertDispatcher. The monitor calls
// Dispatch on its own goroutine, so implementations may block up to the
// context deadline.
package alert

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
)

// Nop discards alerts. The server installs it when no channel is configured.
type Nop struct{}

// Dispatch implements monitor.AlertDispatcher.
func (Nop) Dispatch(context.Context, monitor.Event) error { return nil }

// Multi fans an alert out to every dispatcher and joins their errors.
type Multi []monitor.AlertDispatcher

// Dispatch implements monitor.AlertDispatcher.
func (m Multi) Dispatch(ctx context.Context, e monitor.Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled drops alerts beyond a token-bucket rate so an attack cannot page
// on-call once per request.
type Throttled struct {
	next    monitor.AlertDispatcher
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewThrottled allows perMinute alerts per minute with the given burst.
func NewThrottled(next monitor.AlertDispatcher, perMinute float64, burst int, logger *zap.Logger) *Throttled {
	if logger == nil {
		logger = zap.NewNop()
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60), burst),
		logger:  logger.Named("alert"),
	}
}

// Dispatch implements monitor.AlertDispatcher. A throttled alert is not an error.
func (t *Throttled) Dispatch(ctx context.Context, e monitor.Event) error {
	if !t.limiter.Allow() {
		metrics.AlertsTotal.WithLabelValues("throttled").Inc()
		t.logger.Warn("alert throttled", zap.String("event_id", e.ID), zap.String("type", e.Type))
		return nil
	}
	if err := t.next.Dispatch(ctx, e); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.AlertsTotal.WithLabelValues("sent").Inc()
	return nil
}
