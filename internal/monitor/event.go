package monitor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-perimeter/internal/signature"
)

// Severity of a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from 1 (info) to 4 (critical); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// FromSignature maps a signature severity to an event severity.
func FromSignature(s signature.Severity) Severity {
	switch s {
	case signature.SeverityCritical:
		return SeverityCritical
	case signature.SeverityHigh:
		return SeverityError
	case signature.SeverityMedium:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Event types logged by the perimeter.
const (
	EventBlockedRequest     = "blocked_request"
	EventSuspiciousActivity = "suspicious_activity"
	EventSecurityThreat     = "security_threat"
	EventWAFBlock           = "waf_block"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventIPAutoBlocked      = "ip_auto_blocked"
	EventUserLogin          = "user_login"
	EventUserLogout         = "user_logout"
	EventFileRejected       = "file_upload_rejected"
	EventMalwareDetected    = "malware_detected"
	EventThreatLevelChanged = "threat_level_changed"
	EventPolicyReloaded     = "policy_reloaded"
)

// Event is an entry of the security event log.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"userId,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
}

// EventInput is what callers supply to LogEvent; ID and Timestamp are assigned.
type EventInput struct {
	Type      string
	Severity  Severity
	Message   string
	Metadata  map[string]any
	UserID    string
	IPAddress string
}

func newEventID(now time.Time) string {
	return "evt_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + uuid.NewString()
}

func (in EventInput) build(now time.Time) Event {
	sev := in.Severity
	if !sev.Valid() {
		sev = SeverityInfo
	}
	msg := in.Message
	if msg == "" {
		msg = fmt.Sprintf("%s event", in.Type)
	}
	return Event{
		ID:        newEventID(now),
		Type:      in.Type,
		Severity:  sev,
		Message:   msg,
		Metadata:  in.Metadata,
		Timestamp: now,
		UserID:    in.UserID,
		IPAddress: in.IPAddress,
	}
}
