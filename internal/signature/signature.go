// Package signature classifies input strings against a fixed library of attack signatures.
//
// Matching is intentionally broad: prose containing "select" or "delete" and
// query strings joined with "&" are reported. Callers that need precision for
// known-safe fields must decide that themselves; the engine favours recall.
package signature

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity is an ordinal threat rating: LOW < MEDIUM < HIGH < CRITICAL.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return ""
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name, case-insensitively.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses LOW, MEDIUM, HIGH or CRITICAL.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", v)
}

// Category names.
const (
	SQLInjection     = "SQL_INJECTION"
	XSS              = "XSS"
	CommandInjection = "COMMAND_INJECTION"
	PathTraversal    = "PATH_TRAVERSAL"
	LDAPInjection    = "LDAP_INJECTION"
)

// Signature is a tagged pattern. Signatures are built once and never mutated.
type Signature struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity Severity
}

// Defaults returns the built-in signature library in evaluation order.
func Defaults() []Signature {
	return []Signature{
		{Name: SQLInjection, Pattern: regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop)\b`), Severity: SeverityCritical},
		{Name: XSS, Pattern: regexp.MustCompile(`(?i)(<script|javascript:|onerror\s*=|onload\s*=)`), Severity: SeverityHigh},
		{Name: CommandInjection, Pattern: regexp.MustCompile("[;&|`$]"), Severity: SeverityCritical},
		{Name: PathTraversal, Pattern: regexp.MustCompile(`\.\./`), Severity: SeverityHigh},
		{Name: LDAPInjection, Pattern: regexp.MustCompile(`[*()\\]`), Severity: SeverityMedium},
	}
}

// Engine runs an ordered signature list. Safe for concurrent use.
type Engine struct {
	signatures []Signature
}

// NewEngine returns an engine over sigs, or the defaults when none are given.
func NewEngine(sigs ...Signature) *Engine {
	if len(sigs) == 0 {
		sigs = Defaults()
	}
	return &Engine{signatures: sigs}
}

// Detect returns every signature matching anywhere in input, in library order.
// An empty result means clean.
func (e *Engine) Detect(input string) []Signature {
	if input == "" {
		return nil
	}
	var matches []Signature
	for _, sig := range e.signatures {
		if sig.Pattern.MatchString(input) {
			matches = append(matches, sig)
		}
	}
	return matches
}

// Count is the number of signatures in the library.
func (e *Engine) Count() int {
	return len(e.signatures)
}

// MaxSeverity is the highest severity among matches, SeverityNone for none.
func MaxSeverity(matches []Signature) Severity {
	top := SeverityNone
	for _, m := range matches {
		if m.Severity > top {
			top = m.Severity
		}
	}
	return top
}

// Names lists match names in order.
func Names(matches []Signature) []string {
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	return names
}
