// Package ratelimit implements the perimeter's fixed-window request limiter.
//
// The window starts at a client's first request and resets lazily on the first
// request after it expires. Bursts at window boundaries are accepted: this is a
// coarse abuse guard, not an SLA enforcer.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config is one named limit: at most MaxRequests per Window.
type Config struct {
	Name        string        `mapstructure:"-"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// Validate reports a non-positive limit or window.
func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("rate limit %s: max_requests must be > 0", c.Name)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit %s: window must be > 0", c.Name)
	}
	return nil
}

// Entry is the state of one bucket after a hit.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Result is the outcome of a single check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
	Count     int // hits in the window, including this one
}

// RetryAfter is the whole number of seconds until the window resets, at least 1.
func (r Result) RetryAfter(now time.Time) int {
	secs := int((r.ResetTime.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Store counts hits per key within fixed windows.
// Hit records one request and returns the bucket state including it.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (Entry, error)
}

// Limiter applies Configs to identifiers over a Store.
type Limiter struct {
	store Store
}

// NewLimiter returns a limiter backed by store.
func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store}
}

// Check counts one request for identifier under cfg.
// The bucket key is "<cfg.Name>:<identifier>" so presets never share counters.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) (Result, error) {
	if identifier == "" {
		identifier = UnknownClient
	}
	entry, err := l.store.Hit(ctx, cfg.Name+":"+identifier, cfg.Window)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check for %s: %w", cfg.Name, err)
	}

	res := Result{Limit: cfg.MaxRequests, ResetTime: entry.ResetAt, Count: entry.Count}
	if entry.Count > cfg.MaxRequests {
		return res, nil
	}
	res.Allowed = true
	res.Remaining = cfg.MaxRequests - entry.Count
	return res, nil
}
