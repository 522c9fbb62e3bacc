// Package waf decides, per request, whether it may reach the application.
//
// Checks run in a fixed order and stop at the first decisive one:
// allowlist, denylist, client agent, suspicious path, attack signatures,
// HTTP method. An allowlisted client skips every other check; this is an
// operator override and is audited through the allowlist itself.
package waf

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-perimeter/internal/signature"
)

// Rule names, reported in verdicts and metrics.
const (
	RuleAllowlist     = "allowlist"
	RuleDenylist      = "denylist"
	RuleUserAgent     = "user_agent"
	RuleSuspiciousURL = "suspicious_path"
	RuleSignature     = "attack_signature"
	RuleMethod        = "method"
)

// Request is the part of an inbound request the firewall looks at.
type Request struct {
	ClientID  string
	Method    string
	Path      string // escaped path
	RawQuery  string
	UserAgent string
}

// RequestFromHTTP extracts a Request; clientID comes from the proxy headers.
func RequestFromHTTP(r *http.Request, clientID string) Request {
	return Request{
		ClientID:  clientID,
		Method:    r.Method,
		Path:      r.URL.EscapedPath(),
		RawQuery:  r.URL.RawQuery,
		UserAgent: r.UserAgent(),
	}
}

// Target is the path plus query as sent.
func (r Request) Target() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// Verdict is the outcome of Inspect. Reason and Severity are set only on denial.
type Verdict struct {
	Allowed    bool               `json:"allowed"`
	Reason     string             `json:"reason,omitempty"`
	Severity   signature.Severity `json:"severity,omitempty"`
	Rule       string             `json:"rule,omitempty"`
	Signatures []string           `json:"signatures,omitempty"`
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(rule string, sev signature.Severity, reason string) Verdict {
	return Verdict{Rule: rule, Severity: sev, Reason: reason}
}

// Recorder receives security events; *monitor.Monitor satisfies it.
type Recorder interface {
	LogEvent(in monitor.EventInput) monitor.Event
}

// Options configure a Firewall.
type Options struct {
	Allowlist          []string
	Denylist           []string
	BlockedAgents      []string // lowercase substrings, in addition to the built-in fingerprints
	AutoBlockThreshold int      // denials before an identifier is denylisted; 0 disables
	OffenderCapacity   int
}

// Firewall is safe for concurrent use.
type Firewall struct {
	engine   *signature.Engine
	recorder Recorder
	logger   *zap.Logger

	allow     *IPSet
	deny      *IPSet
	baseAllow []string
	agents    atomic.Pointer[[]string]
	offenders *offenderTracker
}

// New builds a firewall. A nil engine uses the default signature library.
func New(opts Options, engine *signature.Engine, recorder Recorder, logger *zap.Logger) *Firewall {
	if engine == nil {
		engine = signature.NewEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Firewall{
		engine:    engine,
		recorder:  recorder,
		logger:    logger.Named("waf"),
		allow:     NewIPSet(opts.Allowlist...),
		deny:      NewIPSet(opts.Denylist...),
		baseAllow: append([]string(nil), opts.Allowlist...),
		offenders: newOffenderTracker(opts.AutoBlockThreshold, opts.OffenderCapacity),
	}
	f.setAgents(opts.BlockedAgents)
	return f
}

func (f *Firewall) setAgents(agents []string) {
	lowered := make([]string, 0, len(agents))
	for _, a := range agents {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			lowered = append(lowered, a)
		}
	}
	f.agents.Store(&lowered)
}

// Inspect returns the verdict for r. Every denial is logged before returning.
// Allowlisted reports whether clientID matches the allowlist. Allowlisted
// clients skip every firewall rule and request body scanning.
func (f *Firewall) Allowlisted(clientID string) bool {
	return f.allow.Contains(clientID)
}

func (f *Firewall) Inspect(r Request) Verdict {
	v := f.evaluate(r)
	if v.Allowed {
		return v
	}
	f.reject(r, v)
	return v
}

func (f *Firewall) evaluate(r Request) Verdict {
	if f.allow.Contains(r.ClientID) {
		return allow()
	}
	if f.deny.Contains(r.ClientID) {
		return deny(RuleDenylist, signature.SeverityHigh, "IP address is blacklisted")
	}
	if f.maliciousAgent(r.UserAgent) {
		return deny(RuleUserAgent, signature.SeverityMedium, "Malicious user agent detected")
	}

	raw := r.Target()
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	if suspiciousTarget(r.Path, raw, decoded) {
		return deny(RuleSuspiciousURL, signature.SeverityHigh, "Suspicious URL pattern detected")
	}
	if matches := f.engine.Detect(decoded); len(matches) > 0 {
		names := signature.Names(matches)
		v := deny(RuleSignature, signature.MaxSeverity(matches), "Attack signature detected: "+strings.Join(names, ", "))
		v.Signatures = names
		return v
	}
	if _, ok := AllowedMethods[strings.ToUpper(r.Method)]; !ok {
		return deny(RuleMethod, signature.SeverityMedium, fmt.Sprintf("HTTP method %s not allowed", r.Method))
	}
	return allow()
}

func (f *Firewall) maliciousAgent(ua string) bool {
	if ua == "" {
		return false
	}
	for _, re := range maliciousAgents {
		if re.MatchString(ua) {
			return true
		}
	}
	lower := strings.ToLower(ua)
	for _, a := range *f.agents.Load() {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

func suspiciousTarget(path, raw, decoded string) bool {
	for _, re := range suspiciousPaths {
		if re.MatchString(raw) || (decoded != raw && re.MatchString(decoded)) {
			return true
		}
	}
	return suspiciousExtensions.MatchString(path)
}

func (f *Firewall) reject(r Request, v Verdict) {
	metrics.WAFBlockedTotal.WithLabelValues(v.Rule, v.Severity.String()).Inc()
	f.logger.Info("request denied",
		zap.String("client", r.ClientID),
		zap.String("rule", v.Rule),
		zap.String("severity", v.Severity.String()),
		zap.String("method", r.Method),
		zap.String("path", r.Path),
	)

	if f.recorder != nil {
		meta := map[string]any{
			"rule":      v.Rule,
			"reason":    v.Reason,
			"severity":  v.Severity.String(),
			"method":    r.Method,
			"path":      r.Target(),
			"userAgent": r.UserAgent,
		}
		if len(v.Signatures) > 0 {
			meta["signatures"] = v.Signatures
		}
		f.recorder.LogEvent(monitor.EventInput{
			Type:      monitor.EventWAFBlock,
			Severity:  monitor.FromSignature(v.Severity),
			Message:   "WAF blocked request: " + v.Reason,
			Metadata:  meta,
			IPAddress: r.ClientID,
		})
	}

	// Denylisted clients are already blocked; counting them again is noise.
	if v.Rule != RuleDenylist {
		f.RecordOffence(r.ClientID, v.Rule)
	}
}

// RecordOffence counts a denial against clientID and denylists it once the
// auto-block threshold is reached. Reports whether the client was blocked now.
func (f *Firewall) RecordOffence(clientID, rule string) bool {
	if !f.offenders.record(clientID) {
		return false
	}
	if err := ValidEntry(clientID); err != nil {
		return false
	}
	if !f.deny.Add(clientID) {
		return false
	}
	f.logger.Warn("client auto-blocked", zap.String("client", clientID), zap.String("last_rule", rule))
	if f.recorder != nil {
		f.recorder.LogEvent(monitor.EventInput{
			Type:      monitor.EventIPAutoBlocked,
			Severity:  monitor.SeverityWarning,
			Message:   fmt.Sprintf("IP %s added to blacklist after %d denials", clientID, f.offenders.threshold),
			Metadata:  map[string]any{"threshold": f.offenders.threshold, "lastRule": rule},
			IPAddress: clientID,
		})
	}
	return true
}

// BlacklistIP adds an IP or CIDR prefix to the denylist.
func (f *Firewall) BlacklistIP(entry string) error {
	if err := ValidEntry(entry); err != nil {
		return err
	}
	if f.deny.Add(entry) {
		f.logger.Info("denylist entry added", zap.String("entry", entry))
	}
	return nil
}

// RemoveFromBlacklist deletes an entry and reports whether it was present.
func (f *Firewall) RemoveFromBlacklist(entry string) bool {
	removed := f.deny.Remove(entry)
	if removed {
		f.logger.Info("denylist entry removed", zap.String("entry", entry))
	}
	return removed
}

// Denylist returns the current denylist entries.
func (f *Firewall) Denylist() []string {
	return f.deny.List()
}

// Stats describes the firewall's current configuration.
type Stats struct {
	AllowlistSize       int `json:"whitelistSize"`
	DenylistSize        int `json:"blacklistSize"`
	SignatureCount      int `json:"signatureCount"`
	BlockedAgents       int `json:"blockedAgents"`
	SuspiciousPathRules int `json:"suspiciousPathRules"`
	AutoBlockThreshold  int `json:"autoBlockThreshold"`
	TrackedOffenders    int `json:"trackedOffenders"`
}

// GetStats reports list sizes and rule counts.
func (f *Firewall) GetStats() Stats {
	return Stats{
		AllowlistSize:       f.allow.Len(),
		DenylistSize:        f.deny.Len(),
		SignatureCount:      f.engine.Count(),
		BlockedAgents:       len(maliciousAgents) + len(*f.agents.Load()),
		SuspiciousPathRules: len(suspiciousPaths) + 1,
		AutoBlockThreshold:  f.offenders.threshold,
		TrackedOffenders:    f.offenders.len(),
	}
}
