package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/repository"
	"github.com/kubilitics/kubilitics-perimeter/internal/upload"
	"github.com/kubilitics/kubilitics-perimeter/internal/waf"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

type testAPI struct {
	router *mux.Router
	mon    *monitor.Monitor
	fw     *waf.Firewall
	clock  *clockwork.FakeClock
}

func newTestAPI(t *testing.T, events repository.EventStore) *testAPI {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC))
	mon := monitor.New(monitor.Options{Clock: clock})
	t.Cleanup(mon.Close)
	fw := waf.New(waf.Options{}, nil, mon, nil)

	store, err := upload.NewLocalStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	svc := upload.NewService(upload.NewValidator(nil, clock), store, mon, nil)

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	NewSecurityHandler(mon, fw, events, nil).RegisterRoutes(api)
	NewUploadHandler(svc, nil).RegisterRoutes(api)
	NewHealthzHandler(nil).RegisterRoutes(router)
	return &testAPI{router: router, mon: mon, fw: fw, clock: clock}
}

func (a *testAPI) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGetMetrics(t *testing.T) {
	a := newTestAPI(t, nil)
	a.mon.TrackRequest(monitor.RequestSample{IPAddress: "1.1.1.1", ResponseTime: 20 * time.Millisecond, Failed: true})

	rec := a.do(t, http.MethodGet, "/api/v1/security/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, m["totalRequests"])
	assert.EqualValues(t, 100, m["errorRate"])
	assert.Equal(t, "critical", m["threatLevel"])
}

func TestListEvents_Filters(t *testing.T) {
	a := newTestAPI(t, nil)
	a.mon.LogEvent(monitor.EventInput{Type: monitor.EventWAFBlock, Severity: monitor.SeverityError, IPAddress: "1.1.1.1"})
	a.mon.LogEvent(monitor.EventInput{Type: monitor.EventWAFBlock, Severity: monitor.SeverityWarning, IPAddress: "2.2.2.2"})
	a.mon.LogEvent(monitor.EventInput{Type: monitor.EventUserLogin, Severity: monitor.SeverityInfo, UserID: "u1"})

	type resp struct {
		Events []monitor.Event `json:"events"`
		Count  int             `json:"count"`
	}
	got := decode[resp](t, a.do(t, http.MethodGet, "/api/v1/security/events?type=waf_block", ""))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "2.2.2.2", got.Events[0].IPAddress, "newest first")

	got = decode[resp](t, a.do(t, http.MethodGet, "/api/v1/security/events?severity=error", ""))
	assert.Equal(t, 1, got.Count)

	got = decode[resp](t, a.do(t, http.MethodGet, "/api/v1/security/events?user=u1&limit=5", ""))
	assert.Equal(t, 1, got.Count)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/v1/security/events?severity=loud", "").Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/v1/security/events?limit=-1", "").Code)
}

func TestTimelineAndReport(t *testing.T) {
	a := newTestAPI(t, nil)
	a.mon.LogEvent(monitor.EventInput{Type: monitor.EventSecurityThreat, Severity: monitor.SeverityCritical})

	rec := a.do(t, http.MethodGet, "/api/v1/security/timeline?hours=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	buckets := decode[[]monitor.TimelineBucket](t, rec)
	require.Len(t, buckets, 3)
	assert.Equal(t, 1, buckets[2].Critical)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/v1/security/timeline?hours=x", "").Code)

	rec = a.do(t, http.MethodGet, "/api/v1/security/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[monitor.Report](t, rec)
	assert.Equal(t, monitor.PeriodDay, report.Period)
	assert.Equal(t, 1, report.TotalEvents)
	assert.Len(t, report.CriticalEvents, 1)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/v1/security/report?period=year", "").Code)
}

func TestBlacklistAdmin(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := a.do(t, http.MethodPost, "/api/v1/security/waf/blacklist", `{"ip":"10.0.0.0/8"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = a.do(t, http.MethodPost, "/api/v1/security/waf/blacklist", `{"ip":"203.0.113.9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/v1/security/waf/blacklist", `{"ip":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/v1/security/waf/blacklist", `{`).Code)

	stats := decode[waf.Stats](t, a.do(t, http.MethodGet, "/api/v1/security/waf/stats", ""))
	assert.Equal(t, 2, stats.DenylistSize)

	list := decode[map[string][]string](t, a.do(t, http.MethodGet, "/api/v1/security/waf/blacklist", ""))
	assert.ElementsMatch(t, []string{"10.0.0.0/8", "203.0.113.9"}, list["entries"])

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodDelete, "/api/v1/security/waf/blacklist/10.0.0.0/8", "").Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodDelete, "/api/v1/security/waf/blacklist/203.0.113.9", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/api/v1/security/waf/blacklist/203.0.113.9", "").Code)
	assert.Empty(t, a.fw.Denylist())
}

func TestTrackSession(t *testing.T) {
	a := newTestAPI(t, nil)
	rec := a.do(t, http.MethodPost, "/api/v1/security/sessions", `{"userId":"u1","action":"login"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["activeUsers"])

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/v1/security/sessions", `{"userId":"u1","action":"sleep"}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/v1/security/sessions", `{"action":"login"}`).Code)

	rec = a.do(t, http.MethodPost, "/api/v1/security/sessions", `{"userId":"u1","action":"logout"}`)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["activeUsers"])
}

type stubEvents struct {
	got repository.EventFilter
	err error
}

func (s *stubEvents) SaveSecurityEvents(context.Context, []monitor.Event) error { return nil }

func (s *stubEvents) ListSecurityEvents(_ context.Context, f repository.EventFilter) ([]monitor.Event, error) {
	s.got = f
	if s.err != nil {
		return nil, s.err
	}
	return []monitor.Event{{ID: "evt_1", Type: f.Type}}, nil
}

func TestListEventHistory(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable,
		newTestAPI(t, nil).do(t, http.MethodGet, "/api/v1/security/events/history", "").Code)

	stub := &stubEvents{}
	a := newTestAPI(t, stub)
	rec := a.do(t, http.MethodGet, "/api/v1/security/events/history?type=waf_block&ip=1.1.1.1&since=2026-03-01T00:00:00Z&limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, repository.EventFilter{
		Type:  "waf_block",
		IP:    "1.1.1.1",
		Since: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Limit: maxEventsLimit,
	}, stub.got)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/v1/security/events/history?since=yesterday", "").Code)

	stub.err = errors.New("connection refused")
	rec = a.do(t, http.MethodGet, "/api/v1/security/events/history", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func multipartUpload(t *testing.T, name, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("userId", "u9"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Real-IP", "5.6.7.8")
	return req
}

func TestUpload(t *testing.T) {
	a := newTestAPI(t, nil)

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, multipartUpload(t, "photo.png", "image/png", pngBytes))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[upload.Outcome](t, rec)
	assert.True(t, out.Success)
	assert.Regexp(t, `^\d+_[0-9a-f]{16}\.png$`, out.SecureFilename)
	assert.NotEmpty(t, out.Digest)

	exe := append([]byte("MZ"), make([]byte, 64)...)
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, multipartUpload(t, "invoice.pdf", "application/pdf", exe))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	out = decode[upload.Outcome](t, rec)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)

	rejected := a.mon.GetEventsByType(monitor.EventFileRejected, 0)
	require.Len(t, rejected, 1)
	assert.Equal(t, "5.6.7.8", rejected[0].IPAddress)
	assert.Equal(t, "u9", rejected[0].UserID)
}

func TestUpload_BadRequests(t *testing.T) {
	a := newTestAPI(t, nil)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/v1/uploads", `{"file":"x"}`).Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	router := mux.NewRouter()
	failing := false
	NewHealthzHandler(nil, Check{Name: "database", Ping: func(context.Context) error {
		if failing {
			return errors.New("dial tcp: refused")
		}
		return nil
	}}).RegisterRoutes(router)

	for _, path := range []string{"/healthz/live", "/healthz/ready"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	failing = true
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database_unavailable")
	assert.NotContains(t, rec.Body.String(), "refused")
}
