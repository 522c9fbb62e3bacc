// Package monitor keeps the perimeter's security event log and rolling request metrics,
// derives the current threat level, and notifies listeners and the alert dispatcher.
//
// A Monitor is constructed once per process and shared by the interceptor,
// the firewall and the upload service. It never fails a caller: listener and
// dispatcher errors are logged and swallowed.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
)

const (
	DefaultMaxEvents = 10000
	DefaultRetention = 7 * 24 * time.Hour
	responseSamples  = 1000
	dispatchTimeout  = 10 * time.Second
)

// AlertDispatcher delivers critical events to an on-call channel.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// Options configure a Monitor. Zero values select defaults.
type Options struct {
	Clock      clockwork.Clock
	Logger     *zap.Logger
	Dispatcher AlertDispatcher
	MaxEvents  int
	Retention  time.Duration
}

// Metrics is a snapshot of the windowed request counters.
type Metrics struct {
	TotalRequests        int64       `json:"totalRequests"`
	FailedRequests       int64       `json:"failedRequests"`
	BlockedRequests      int64       `json:"blockedRequests"`
	SuspiciousActivities int64       `json:"suspiciousActivities"`
	ActiveUsers          int         `json:"activeUsers"`
	AverageResponseTime  float64     `json:"averageResponseTime"`
	ErrorRate            float64     `json:"errorRate"`
	ThreatLevel          ThreatLevel `json:"threatLevel"`
	WindowStart          time.Time   `json:"windowStart"`
	LastUpdated          time.Time   `json:"lastUpdated"`
}

// RequestSample is one tracked request. A zero ResponseTime means it was not measured.
type RequestSample struct {
	UserID       string
	IPAddress    string
	ResponseTime time.Duration
	Failed       bool
}

// SessionAction is a login or logout.
type SessionAction string

const (
	SessionLogin  SessionAction = "login"
	SessionLogout SessionAction = "logout"
)

// Monitor is safe for concurrent use.
type Monitor struct {
	clock      clockwork.Clock
	logger     *zap.Logger
	dispatcher AlertDispatcher
	maxEvents  int
	retention  time.Duration

	mu          sync.RWMutex
	events      []Event
	m           Metrics
	samples     []time.Duration
	sampleNext  int
	sampleTotal time.Duration
	sessions    map[string]struct{}

	listeners listenerSet
	inflight  sync.WaitGroup
}

// New returns a Monitor with an empty log and a fresh window.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	now := opts.Clock.Now()
	return &Monitor{
		clock:      opts.Clock,
		logger:     opts.Logger.Named("monitor"),
		dispatcher: opts.Dispatcher,
		maxEvents:  opts.MaxEvents,
		retention:  opts.Retention,
		m:          Metrics{ThreatLevel: ThreatLow, WindowStart: now, LastUpdated: now},
		samples:    make([]time.Duration, 0, responseSamples),
		sessions:   make(map[string]struct{}),
	}
}

// LogEvent appends an event and notifies listeners. Critical events also go to
// alert listeners and the dispatcher. The log keeps the most recent MaxEvents.
func (mo *Monitor) LogEvent(in EventInput) Event {
	mo.mu.Lock()
	ev := mo.appendLocked(in)
	mo.mu.Unlock()

	mo.publish(ev)
	return ev
}

func (mo *Monitor) appendLocked(in EventInput) Event {
	ev := in.build(mo.clock.Now())
	mo.events = append(mo.events, ev)
	if over := len(mo.events) - mo.maxEvents; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(mo.events, mo.events[over:])
		clear(mo.events[n:])
		mo.events = mo.events[:n]
	}
	return ev
}

func (mo *Monitor) publish(ev Event) {
	metrics.SecurityEventsTotal.WithLabelValues(ev.Type, string(ev.Severity)).Inc()
	mo.logger.Debug("security event",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("severity", string(ev.Severity)),
		zap.String("ip", ev.IPAddress),
		zap.String("message", ev.Message),
	)

	mo.listeners.notifyEvent(mo.logger, ev)
	if ev.Severity != SeverityCritical {
		return
	}
	mo.logger.Warn("critical security event",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("ip", ev.IPAddress),
		zap.String("message", ev.Message),
	)
	mo.listeners.notifyAlert(mo.logger, ev)
	mo.dispatch(ev)
}

func (mo *Monitor) dispatch(ev Event) {
	if mo.dispatcher == nil {
		return
	}
	mo.inflight.Add(1)
	go func() {
		defer mo.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				mo.logger.Error("alert dispatcher panicked", zap.String("event_id", ev.ID), zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := mo.dispatcher.Dispatch(ctx, ev); err != nil {
			mo.logger.Error("alert dispatch failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}()
}

// Close waits for in-flight alert dispatches.
func (mo *Monitor) Close() {
	mo.inflight.Wait()
}

// TrackRequest counts one request, folds its response time into the rolling
// mean and recomputes error rate and threat level.
func (mo *Monitor) TrackRequest(s RequestSample) {
	mo.mu.Lock()
	mo.m.TotalRequests++
	if s.Failed {
		mo.m.FailedRequests++
	}
	if s.ResponseTime > 0 {
		mo.addSampleLocked(s.ResponseTime)
	}
	if s.UserID != "" {
		mo.sessions[s.UserID] = struct{}{}
	}
	changed, prev := mo.recomputeLocked()
	cur := mo.m.ThreatLevel
	mo.mu.Unlock()

	if changed {
		mo.threatLevelChanged(prev, cur)
	}
}

func (mo *Monitor) addSampleLocked(d time.Duration) {
	if len(mo.samples) < responseSamples {
		mo.samples = append(mo.samples, d)
	} else {
		mo.sampleTotal -= mo.samples[mo.sampleNext]
		mo.samples[mo.sampleNext] = d
		mo.sampleNext = (mo.sampleNext + 1) % responseSamples
	}
	mo.sampleTotal += d
	mo.m.AverageResponseTime = float64(mo.sampleTotal.Microseconds()) / 1000 / float64(len(mo.samples))
}

func (mo *Monitor) recomputeLocked() (changed bool, prev ThreatLevel) {
	m := &mo.m
	m.ErrorRate = percent(m.FailedRequests, m.TotalRequests)
	prev = m.ThreatLevel
	m.ThreatLevel = deriveThreatLevel(
		m.ErrorRate,
		percent(m.BlockedRequests, m.TotalRequests),
		percent(m.SuspiciousActivities, m.TotalRequests),
	)
	m.LastUpdated = mo.clock.Now()
	metrics.ThreatLevel.Set(float64(m.ThreatLevel.Rank()))
	return prev != m.ThreatLevel, prev
}

func (mo *Monitor) threatLevelChanged(prev, cur ThreatLevel) {
	mo.LogEvent(EventInput{
		Type:     EventThreatLevelChanged,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("Threat level changed from %s to %s", prev, cur),
		Metadata: map[string]any{"from": string(prev), "to": string(cur)},
	})
}

// TrackBlockedRequest counts a policy block and logs a blocked_request warning.
func (mo *Monitor) TrackBlockedRequest(reason, ip string) {
	mo.mu.Lock()
	mo.m.BlockedRequests++
	ev := mo.appendLocked(EventInput{
		Type:      EventBlockedRequest,
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("Request blocked: %s", reason),
		Metadata:  map[string]any{"reason": reason},
		IPAddress: ip,
	})
	mo.mu.Unlock()

	mo.publish(ev)
}

// TrackSuspiciousActivity counts suspicious behaviour and logs a suspicious_activity warning.
func (mo *Monitor) TrackSuspiciousActivity(kind, userID, ip string, details map[string]any) {
	meta := make(map[string]any, len(details)+1)
	for k, v := range details {
		meta[k] = v
	}
	meta["activityType"] = kind

	mo.mu.Lock()
	mo.m.SuspiciousActivities++
	ev := mo.appendLocked(EventInput{
		Type:      EventSuspiciousActivity,
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("Suspicious activity detected: %s", kind),
		Metadata:  meta,
		UserID:    userID,
		IPAddress: ip,
	})
	mo.mu.Unlock()

	mo.publish(ev)
}

// TrackUserSession adds or removes userID from the live session set and refreshes the gauge.
func (mo *Monitor) TrackUserSession(userID string, action SessionAction) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	var evType string
	mo.mu.Lock()
	switch action {
	case SessionLogin:
		mo.sessions[userID] = struct{}{}
		evType = EventUserLogin
	case SessionLogout:
		delete(mo.sessions, userID)
		evType = EventUserLogout
	default:
		mo.mu.Unlock()
		return fmt.Errorf("unknown session action %q", action)
	}
	mo.refreshActiveUsersLocked()
	ev := mo.appendLocked(EventInput{
		Type:     evType,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("User %s: %s", action, userID),
		UserID:   userID,
	})
	mo.mu.Unlock()

	mo.publish(ev)
	return nil
}

func (mo *Monitor) refreshActiveUsersLocked() {
	mo.m.ActiveUsers = len(mo.sessions)
	metrics.ActiveUsers.Set(float64(mo.m.ActiveUsers))
}

// GetMetrics returns a snapshot of the current window.
func (mo *Monitor) GetMetrics() Metrics {
	mo.mu.RLock()
	defer mo.mu.RUnlock()
	return mo.m
}

// ThreatLevel is a shortcut for GetMetrics().ThreatLevel.
func (mo *Monitor) ThreatLevel() ThreatLevel {
	mo.mu.RLock()
	defer mo.mu.RUnlock()
	return mo.m.ThreatLevel
}

// GetRecentEvents returns up to limit events, newest first, optionally of one severity.
func (mo *Monitor) GetRecentEvents(limit int, severity Severity) []Event {
	return mo.find(limit, func(e *Event) bool {
		return severity == "" || e.Severity == severity
	})
}

// GetEventsByType returns up to limit events of the given type, newest first.
func (mo *Monitor) GetEventsByType(eventType string, limit int) []Event {
	return mo.find(limit, func(e *Event) bool { return e.Type == eventType })
}

// GetEventsByUser returns up to limit events for userID, newest first.
func (mo *Monitor) GetEventsByUser(userID string, limit int) []Event {
	return mo.find(limit, func(e *Event) bool { return e.UserID == userID })
}

// Query filters the event log; empty fields match everything.
type Query struct {
	Type     string
	Severity Severity
	UserID   string
	IP       string
	Limit    int
}

// Find returns events matching q, newest first.
func (mo *Monitor) Find(q Query) []Event {
	return mo.find(q.Limit, func(e *Event) bool {
		return (q.Type == "" || e.Type == q.Type) &&
			(q.Severity == "" || e.Severity == q.Severity) &&
			(q.UserID == "" || e.UserID == q.UserID) &&
			(q.IP == "" || e.IPAddress == q.IP)
	})
}

func (mo *Monitor) find(limit int, keep func(*Event) bool) []Event {
	mo.mu.RLock()
	defer mo.mu.RUnlock()

	if limit <= 0 {
		limit = len(mo.events)
	}
	out := make([]Event, 0, min(limit, len(mo.events)))
	for i := len(mo.events) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(&mo.events[i]) {
			out = append(out, mo.events[i])
		}
	}
	return out
}

// EventCount is the number of events currently held.
func (mo *Monitor) EventCount() int {
	mo.mu.RLock()
	defer mo.mu.RUnlock()
	return len(mo.events)
}

// ResetWindow zeroes the hourly counters and the response time samples.
func (mo *Monitor) ResetWindow() {
	mo.mu.Lock()
	now := mo.clock.Now()
	mo.m.TotalRequests = 0
	mo.m.FailedRequests = 0
	mo.m.BlockedRequests = 0
	mo.m.SuspiciousActivities = 0
	mo.m.AverageResponseTime = 0
	mo.m.WindowStart = now
	mo.samples = mo.samples[:0]
	mo.sampleNext = 0
	mo.sampleTotal = 0
	changed, prev := mo.recomputeLocked()
	cur := mo.m.ThreatLevel
	mo.mu.Unlock()

	mo.logger.Debug("metrics window reset")
	if changed {
		mo.threatLevelChanged(prev, cur)
	}
}

// PruneEvents drops events older than the retention period and returns how many were dropped.
func (mo *Monitor) PruneEvents() int {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	cutoff := mo.clock.Now().Add(-mo.retention)
	// Events are appended in time order, so the old ones form a prefix.
	i := 0
	for i < len(mo.events) && mo.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return 0
	}
	n := copy(mo.events, mo.events[i:])
	clear(mo.events[n:])
	mo.events = mo.events[:n]
	mo.logger.Info("pruned old security events", zap.Int("count", i))
	return i
}

// RefreshActiveUsers recomputes the active users gauge from the session set.
func (mo *Monitor) RefreshActiveUsers() int {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	mo.refreshActiveUsersLocked()
	return mo.m.ActiveUsers
}
