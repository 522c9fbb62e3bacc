// Package middleware provides the perimeter's HTTP middleware: the request
// interceptor plus request ID, structured logging, recovery, tracing, body
// limits and admin authentication.
package middleware

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-perimeter/internal/ratelimit"
)

const ResponseRequestIDHeader = "X-Request-ID"

// ErrorBody is the JSON shape of every error this package writes.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newRequestID() string {
	return uuid.New().String()
}

// RequestID honours an incoming X-Request-ID or generates one, stores it in
// the context and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(ResponseRequestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = newRequestID()
		}
		w.Header().Set(ResponseRequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), reqID)))
	})
}

// responseWriter captures the status code. onHeader runs once, right before
// the status line is written.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	onHeader    func(http.Header)
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok && rw.onHeader == nil {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code
	if rw.onHeader != nil {
		rw.onHeader(rw.Header())
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.wroteHeader = true
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// StructuredLog writes one log line and the RED metrics per request. When
// router is set, the metric path label is the matched route template.
func StructuredLog(l *zap.Logger, router *mux.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			duration := time.Since(start)

			logger.RequestLog(l, logger.FromContext(r.Context()), ratelimit.ClientIdentifier(r.Header),
				r.Method, r.URL.Path, rw.status, duration)

			label := pathLabel(router, r)
			metrics.HTTPRequestTotal.WithLabelValues(r.Method, label, strconv.Itoa(rw.status)).Inc()
			metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method, label).Observe(duration.Seconds())
		})
	}
}

// pathLabel avoids one series per raw URL.
func pathLabel(router *mux.Router, r *http.Request) string {
	if router == nil {
		return "unmatched"
	}
	var match mux.RouteMatch
	if router.Match(r, &match) && match.Route != nil {
		if tpl, err := match.Route.GetPathTemplate(); err == nil && tpl != "" {
			return tpl
		}
	}
	return "unmatched"
}

// Recover turns a handler panic into a 500 without leaking details.
func Recover(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := wrap(w)
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					l.Error("handler panicked",
						zap.String("request_id", logger.FromContext(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Any("panic", rec),
						zap.Stack("stack"),
					)
					if !rw.wroteHeader {
						writeJSON(rw, http.StatusInternalServerError, ErrorBody{Error: "Internal server error", Code: "INTERNAL_ERROR"})
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
