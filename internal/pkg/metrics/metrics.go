// Package metrics provides Prometheus metrics for the security perimeter (RED + verdicts + threat level).
// Dashboards and alert rules rely on these names; do not rename without a migration note.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kubilitics_perimeter"

var (
	// HTTPRequestTotal counts requests by method, path, and status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// RateLimitRejectedTotal counts 429s by preset.
	RateLimitRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Requests rejected by the fixed-window rate limiter, by preset.",
		},
		[]string{"preset"},
	)

	// RateLimitStoreErrorsTotal counts limiter store failures (redis unavailable etc.).
	RateLimitStoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_store_errors_total",
			Help:      "Rate limit store failures.",
		},
	)

	// WAFBlockedTotal counts firewall denials by rule and severity.
	WAFBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waf_blocked_total",
			Help:      "Requests denied by the web application firewall.",
		},
		[]string{"rule", "severity"},
	)

	// BodyThreatsTotal counts request bodies rejected per matched signature.
	BodyThreatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_threats_total",
			Help:      "Request bodies rejected by attack signature, by signature.",
		},
		[]string{"signature"},
	)

	// SecurityEventsTotal counts logged security events.
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events logged by the monitor, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// ThreatLevel is the current derived threat level (0=low .. 3=critical).
	ThreatLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threat_level",
			Help:      "Current threat level: 0 low, 1 medium, 2 high, 3 critical.",
		},
	)

	// ActiveUsers mirrors the monitor's active users gauge.
	ActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Users with a live session, refreshed every 5 minutes.",
		},
	)

	// ListenerDroppedTotal counts events dropped by a full listener queue or a failed sink write.
	ListenerDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_dropped_total",
			Help:      "Security events dropped by a full listener queue or a failed sink write.",
		},
		[]string{"listener"},
	)

	// UploadsTotal counts upload outcomes.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "File uploads by outcome (accepted, rejected, malware, error).",
		},
		[]string{"outcome"},
	)

	// AlertsTotal counts alert dispatch attempts.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Critical alert dispatch attempts by outcome (sent, throttled, failed).",
		},
		[]string{"outcome"},
	)

	// SchedulerTaskRunsTotal counts maintenance task runs.
	SchedulerTaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_task_runs_total",
			Help:      "Background maintenance task runs by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	// WebSocketConnectionsActive is the number of live dashboard streams.
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Number of active security event stream connections.",
		},
	)
)
