package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/tracing"
	"github.com/kubilitics/kubilitics-perimeter/internal/ratelimit"
	"github.com/kubilitics/kubilitics-perimeter/internal/signature"
	"github.com/kubilitics/kubilitics-perimeter/internal/waf"
)

// Stable error codes in rejection bodies.
const (
	CodeWAFBlocked         = "WAF_BLOCKED"
	CodeSecurityThreat     = "SECURITY_THREAT_DETECTED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeInvalidBody        = "INVALID_BODY"
	CodeSecurityCheckError = "SECURITY_CHECK_FAILED"
)

const (
	UserIDHeader       = "X-User-ID"
	ResponseTimeHeader = "X-Response-Time"
	WAFBlockHeader     = "X-WAF-Block"

	defaultMaxBodyBytes = 1 << 20
	bodyRule            = "body_signature"
)

// Tracker is the part of the security monitor the interceptor reports to.
type Tracker interface {
	LogEvent(in monitor.EventInput) monitor.Event
	TrackRequest(s monitor.RequestSample)
	TrackBlockedRequest(reason, ip string)
}

// RateLimitBody is the 429 response.
type RateLimitBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// WAFBlockBody is the 403 response for a firewall denial.
type WAFBlockBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Code    string `json:"code"`
}

// InterceptorOptions wire the interceptor. Limiter, Firewall and Monitor are required.
type InterceptorOptions struct {
	Limiter      *ratelimit.Limiter
	Presets      ratelimit.Presets
	Firewall     *waf.Firewall
	Engine       *signature.Engine
	Monitor      Tracker
	Clock        clockwork.Clock
	Logger       *zap.Logger
	MaxBodyBytes int64
	Headers      HeaderOptions
	ExemptPaths  []string // prefixes that skip rate limiting and inspection
}

// Interceptor is the edge middleware: rate limit, then WAF, then body
// inspection, then the downstream handler. Every response carries the
// security headers and every request is reported to the monitor.
//
// Allowlisted clients bypass the firewall and body signature scanning; the
// rate limit and body size cap still apply to them.
//
// Limiter and firewall failures fail closed; monitor failures fail open.
type Interceptor struct {
	limiter  *ratelimit.Limiter
	presets  ratelimit.Presets
	firewall *waf.Firewall
	engine   *signature.Engine
	monitor  Tracker
	clock    clockwork.Clock
	logger   *zap.Logger
	maxBody  int64
	headers  headerSet
	exempt   []string
}

func NewInterceptor(opts InterceptorOptions) *Interceptor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Engine == nil {
		opts.Engine = signature.NewEngine()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Interceptor{
		limiter:  opts.Limiter,
		presets:  opts.Presets,
		firewall: opts.Firewall,
		engine:   opts.Engine,
		monitor:  opts.Monitor,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("interceptor"),
		maxBody:  opts.MaxBodyBytes,
		headers:  newHeaderSet(opts.Headers),
		exempt:   opts.ExemptPaths,
	}
}

func (in *Interceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := in.clock.Now()
		reqID := logger.FromContext(r.Context())
		if reqID == "" {
			reqID = newRequestID()
			r = r.WithContext(logger.WithRequestID(r.Context(), reqID))
		}

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		rw.onHeader = func(h http.Header) {
			in.headers.apply(h)
			h.Set(ResponseRequestIDHeader, reqID)
			h.Set(ResponseTimeHeader, formatMillis(in.clock.Since(start)))
		}

		if in.isExempt(r.URL.Path) {
			next.ServeHTTP(rw, r)
			return
		}

		clientID := ratelimit.ClientIdentifier(r.Header)
		if in.admit(rw, r, clientID) {
			next.ServeHTTP(rw, r)
		}
		in.track(monitor.RequestSample{
			UserID:       r.Header.Get(UserIDHeader),
			IPAddress:    clientID,
			ResponseTime: in.clock.Since(start),
			Failed:       rw.status >= http.StatusBadRequest,
		})
	})
}

// admit runs the checks in order and writes the rejection when one fails.
func (in *Interceptor) admit(w http.ResponseWriter, r *http.Request, clientID string) bool {
	ctx, span := tracing.StartSpan(r.Context(), "perimeter.admit",
		attribute.String("client.id", clientID))
	defer span.End()

	if !in.checkRateLimit(ctx, w, r, clientID) {
		span.SetStatus(codes.Error, "rate limited")
		return false
	}
	if !in.checkFirewall(ctx, w, r, clientID) {
		span.SetStatus(codes.Error, "waf blocked")
		return false
	}
	if !in.checkBody(ctx, w, r, clientID) {
		span.SetStatus(codes.Error, "body rejected")
		return false
	}
	return true
}

func (in *Interceptor) checkRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, clientID string) bool {
	ctx, span := tracing.StartSpan(ctx, "perimeter.ratelimit")
	defer span.End()

	cfg := in.presets.ForPath(r.URL.Path)
	span.SetAttributes(attribute.String("ratelimit.preset", cfg.Name))
	res, err := in.limiter.Check(ctx, clientID, cfg)
	if err != nil {
		metrics.RateLimitStoreErrorsTotal.Inc()
		in.logger.Error("rate limit check failed, denying", zap.String("client", clientID), zap.Error(err))
		in.failClosed(w, "ratelimit")
		return false
	}

	now := in.clock.Now()
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", res.ResetTime.UTC().Format(time.RFC3339))
	if res.Allowed {
		return true
	}

	retryAfter := res.RetryAfter(now)
	metrics.RateLimitRejectedTotal.WithLabelValues(cfg.Name).Inc()
	if res.Count == res.Limit+1 {
		// once per window, not once per rejected request
		in.record(func() {
			in.monitor.LogEvent(monitor.EventInput{
				Type:     monitor.EventRateLimitExceeded,
				Severity: monitor.SeverityWarning,
				Message:  fmt.Sprintf("Rate limit exceeded for %s preset", cfg.Name),
				Metadata: map[string]any{
					"preset":    cfg.Name,
					"limit":     res.Limit,
					"resetTime": res.ResetTime.UTC().Format(time.RFC3339),
					"path":      r.URL.Path,
				},
				IPAddress: clientID,
			})
		})
	}
	in.record(func() { in.monitor.TrackBlockedRequest("rate_limit:"+cfg.Name, clientID) })

	h.Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, RateLimitBody{
		Error:      "Too many requests. Please try again later.",
		RetryAfter: retryAfter,
	})
	return false
}

func (in *Interceptor) checkFirewall(ctx context.Context, w http.ResponseWriter, r *http.Request, clientID string) (ok bool) {
	_, span := tracing.StartSpan(ctx, "perimeter.waf")
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			in.logger.Error("firewall panicked, denying", zap.String("client", clientID), zap.Any("panic", rec))
			in.failClosed(w, "waf")
			ok = false
		}
	}()

	v := in.firewall.Inspect(waf.RequestFromHTTP(r, clientID))
	if v.Allowed {
		return true
	}
	span.SetAttributes(attribute.String("waf.rule", v.Rule), attribute.String("waf.severity", v.Severity.String()))
	in.record(func() { in.monitor.TrackBlockedRequest("waf:"+v.Rule, clientID) })

	w.Header().Set(WAFBlockHeader, "true")
	writeJSON(w, http.StatusForbidden, WAFBlockBody{
		Error:   "Access Denied",
		Message: "Your request has been blocked by the web application firewall.",
		Reason:  v.Reason,
		Code:    CodeWAFBlocked,
	})
	return false
}

func (in *Interceptor) checkBody(ctx context.Context, w http.ResponseWriter, r *http.Request, clientID string) bool {
	if !inspectsBody(r) {
		return true
	}
	_, span := tracing.StartSpan(ctx, "perimeter.body")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, in.maxBody+1))
	_ = r.Body.Close()
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "Payload too large", Code: CodePayloadTooLarge})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "Invalid request body", Code: CodeInvalidBody})
		return false
	}
	if int64(len(body)) > in.maxBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "Payload too large", Code: CodePayloadTooLarge})
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	if in.firewall.Allowlisted(clientID) {
		return true
	}
	matches := in.scanBody(r.Header.Get("Content-Type"), body)
	if len(matches) == 0 {
		return true
	}

	sev := signature.MaxSeverity(matches)
	names := signature.Names(matches)
	span.SetAttributes(attribute.StringSlice("body.signatures", names))
	for _, name := range names {
		metrics.BodyThreatsTotal.WithLabelValues(name).Inc()
	}
	in.logger.Warn("security threat in request body",
		zap.String("client", clientID),
		zap.String("path", r.URL.Path),
		zap.Strings("signatures", names),
	)
	in.record(func() {
		in.monitor.LogEvent(monitor.EventInput{
			Type:     monitor.EventSecurityThreat,
			Severity: monitor.FromSignature(sev),
			Message:  "Security threat detected in request body",
			Metadata: map[string]any{
				"signatures": names,
				"severity":   sev.String(),
				"method":     r.Method,
				"path":       r.URL.Path,
			},
			UserID:    r.Header.Get(UserIDHeader),
			IPAddress: clientID,
		})
		in.monitor.TrackBlockedRequest("body:"+strings.Join(names, ","), clientID)
	})
	in.record(func() { in.firewall.RecordOffence(clientID, bodyRule) })

	writeJSON(w, http.StatusForbidden, ErrorBody{Error: "Security violation detected", Code: CodeSecurityThreat})
	return false
}

// scanBody matches the body as sent. Form bodies are matched field by field,
// decoded, so the "&" separators do not count as shell metacharacters.
func (in *Interceptor) scanBody(contentType string, body []byte) []signature.Signature {
	if len(body) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		if form, err := url.ParseQuery(string(body)); err == nil {
			var parts []string
			for k, vs := range form {
				parts = append(parts, k)
				parts = append(parts, vs...)
			}
			return in.detectAll(parts)
		}
	}
	return in.engine.Detect(string(body))
}

func (in *Interceptor) detectAll(inputs []string) []signature.Signature {
	seen := make(map[string]bool)
	var out []signature.Signature
	for _, s := range inputs {
		for _, m := range in.engine.Detect(s) {
			if !seen[m.Name] {
				seen[m.Name] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// inspectsBody: POST, PUT and PATCH, except binary uploads, which the upload
// validator handles.
func inspectsBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data", "application/octet-stream":
		return false
	}
	return true
}

// failClosed answers when a check could not be evaluated. The request is
// denied; stage only goes to the log.
func (in *Interceptor) failClosed(w http.ResponseWriter, stage string) {
	in.logger.Warn("request denied after failed security check", zap.String("stage", stage))
	w.Header().Set("Retry-After", "30")
	writeJSON(w, http.StatusServiceUnavailable, ErrorBody{
		Error:   "Service temporarily unavailable",
		Code:    CodeSecurityCheckError,
		Message: "Security checks could not be completed",
	})
}

// record runs a monitor call; a panic there is logged and the request goes on.
func (in *Interceptor) record(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			in.logger.Error("security monitor call panicked", zap.Any("panic", rec))
		}
	}()
	fn()
}

func (in *Interceptor) track(s monitor.RequestSample) {
	in.record(func() { in.monitor.TrackRequest(s) })
}

func (in *Interceptor) isExempt(path string) bool {
	for _, p := range in.exempt {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Microseconds())/1000, 'f', 2, 64) + "ms"
}
