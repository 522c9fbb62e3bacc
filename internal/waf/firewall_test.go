package waf

import (
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/signature"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func newTestFirewall(t *testing.T, opts Options) (*Firewall, *monitor.Monitor) {
	t.Helper()
	mon := monitor.New(monitor.Options{Clock: clockwork.NewFakeClock()})
	return New(opts, nil, mon, nil), mon
}

func get(target string) Request {
	r := httptest.NewRequest("GET", target, nil)
	r.Header.Set("User-Agent", browserUA)
	return RequestFromHTTP(r, "203.0.113.7")
}

func TestInspect_CleanRequestPasses(t *testing.T) {
	f, mon := newTestFirewall(t, Options{})
	v := f.Inspect(get("/api/users/search?q=hello"))
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Reason)
	assert.Zero(t, mon.EventCount())
}

func TestInspect_SignatureSeverityPerCategory(t *testing.T) {
	tests := []struct {
		target string
		want   signature.Severity
	}{
		{"/x?q=select", signature.SeverityCritical},
		{"/x?q=%3Cscript%3E", signature.SeverityHigh},
		{"/x?q=a;b", signature.SeverityCritical},
		{"/x?q=admin*", signature.SeverityMedium},
		{"/x?q=..%2F", signature.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			f, _ := newTestFirewall(t, Options{})
			v := f.Inspect(get(tt.target))
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.want, v.Severity)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestInspect_MaxSeverityAcrossSignatures(t *testing.T) {
	f, _ := newTestFirewall(t, Options{})
	v := f.Inspect(get("/x?q=%3Cscript%3Eunion"))
	assert.False(t, v.Allowed)
	assert.Equal(t, signature.SeverityCritical, v.Severity)
	assert.Equal(t, []string{signature.SQLInjection, signature.XSS}, v.Signatures)
}

func TestInspect_AllowlistBypassesEverything(t *testing.T) {
	f, mon := newTestFirewall(t, Options{Allowlist: []string{"203.0.113.7"}, Denylist: []string{"203.0.113.7"}})
	r := get("/x?q=%3Cscript%3E")
	r.UserAgent = "sqlmap/1.7"
	r.Method = "TRACE"

	v := f.Inspect(r)
	assert.True(t, v.Allowed)
	assert.Zero(t, mon.EventCount())
	assert.True(t, f.Allowlisted("203.0.113.7"))
	assert.False(t, f.Allowlisted("203.0.113.8"))
}

func TestInspect_OrderedRules(t *testing.T) {
	f, _ := newTestFirewall(t, Options{Denylist: []string{"198.51.100.0/24"}})

	denied := get("/api/users")
	denied.ClientID = "198.51.100.9"
	v := f.Inspect(denied)
	assert.Equal(t, RuleDenylist, v.Rule)
	assert.Equal(t, signature.SeverityHigh, v.Severity)

	scanner := get("/x?q=select")
	scanner.UserAgent = "Mozilla/5.0 (compatible; Nikto/2.1.6)"
	v = f.Inspect(scanner)
	assert.Equal(t, RuleUserAgent, v.Rule)
	assert.Equal(t, signature.SeverityMedium, v.Severity)

	v = f.Inspect(get("/.git/config?q=select"))
	assert.Equal(t, RuleSuspiciousURL, v.Rule)
	assert.Equal(t, signature.SeverityHigh, v.Severity)

	trace := get("/api/users")
	trace.Method = "TRACE"
	v = f.Inspect(trace)
	assert.Equal(t, RuleMethod, v.Rule)
	assert.Equal(t, signature.SeverityMedium, v.Severity)
}

func TestInspect_SuspiciousPaths(t *testing.T) {
	f, _ := newTestFirewall(t, Options{})
	for _, target := range []string{
		"/static/%2e%2e/%2e%2e/etc/passwd",
		"/etc/passwd",
		"/wp-admin/",
		"/phpmyadmin",
		"/.env",
		"/backup/site.sql",
		"/index.php.bak",
	} {
		v := f.Inspect(get(target))
		assert.Equal(t, RuleSuspiciousURL, v.Rule, target)
	}
	assert.True(t, f.Inspect(get("/admin/moderation")).Allowed)
	assert.True(t, f.Inspect(get("/api/environment")).Allowed)
}

func TestInspect_DenialIsLogged(t *testing.T) {
	f, mon := newTestFirewall(t, Options{})
	f.Inspect(get("/x?q=select"))

	events := mon.GetEventsByType(monitor.EventWAFBlock, 10)
	require.Len(t, events, 1)
	assert.Equal(t, monitor.SeverityCritical, events[0].Severity)
	assert.Equal(t, "203.0.113.7", events[0].IPAddress)
	assert.Equal(t, RuleSignature, events[0].Metadata["rule"])
}

func TestInspect_PolicyBlockedAgentSubstring(t *testing.T) {
	f, _ := newTestFirewall(t, Options{BlockedAgents: []string{"BadBot"}})
	r := get("/")
	r.UserAgent = "badbot/2.0"
	assert.Equal(t, RuleUserAgent, f.Inspect(r).Rule)
}

func TestAutoBlock_AfterThreshold(t *testing.T) {
	f, mon := newTestFirewall(t, Options{AutoBlockThreshold: 3})

	for i := 0; i < 2; i++ {
		f.Inspect(get("/x?q=select"))
	}
	assert.True(t, f.Inspect(get("/api/ok")).Allowed)

	f.Inspect(get("/x?q=select"))
	v := f.Inspect(get("/api/ok"))
	assert.Equal(t, RuleDenylist, v.Rule)
	assert.Len(t, mon.GetEventsByType(monitor.EventIPAutoBlocked, 10), 1)
	assert.Equal(t, []string{"203.0.113.7"}, f.Denylist())
}

func TestAutoBlock_DisabledAndUnknownClient(t *testing.T) {
	f, _ := newTestFirewall(t, Options{})
	for i := 0; i < 50; i++ {
		f.Inspect(get("/x?q=select"))
	}
	assert.True(t, f.Inspect(get("/api/ok")).Allowed)

	g, _ := newTestFirewall(t, Options{AutoBlockThreshold: 1})
	assert.False(t, g.RecordOffence("unknown", RuleSignature))
	assert.Zero(t, g.GetStats().DenylistSize)
}

func TestBlacklistAdmin(t *testing.T) {
	f, _ := newTestFirewall(t, Options{Allowlist: []string{"10.0.0.1"}})

	require.NoError(t, f.BlacklistIP("192.0.2.1"))
	require.NoError(t, f.BlacklistIP("192.0.2.1"))
	require.NoError(t, f.BlacklistIP("2001:db8::/32"))
	assert.Error(t, f.BlacklistIP("not-an-ip"))

	stats := f.GetStats()
	assert.Equal(t, 1, stats.AllowlistSize)
	assert.Equal(t, 2, stats.DenylistSize)
	assert.Equal(t, 5, stats.SignatureCount)

	assert.True(t, f.RemoveFromBlacklist("192.0.2.1"))
	assert.False(t, f.RemoveFromBlacklist("192.0.2.1"))
	assert.Equal(t, 1, f.GetStats().DenylistSize)
}
