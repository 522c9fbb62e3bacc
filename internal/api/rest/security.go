package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/repository"
	"github.com/kubilitics/kubilitics-perimeter/internal/waf"
)

const maxEventsLimit = 1000

// SecurityHandler serves /api/v1/security/*.
type SecurityHandler struct {
	monitor  *monitor.Monitor
	firewall *waf.Firewall
	events   repository.EventStore // nil when persistence is off
	logger   *zap.Logger
}

func NewSecurityHandler(mon *monitor.Monitor, fw *waf.Firewall, events repository.EventStore, logger *zap.Logger) *SecurityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityHandler{monitor: mon, firewall: fw, events: events, logger: logger.Named("security-api")}
}

// RegisterRoutes mounts the handlers on router, which is expected to be the /api/v1 subrouter.
func (h *SecurityHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/security/metrics", h.GetMetrics).Methods(http.MethodGet)
	router.HandleFunc("/security/events", h.ListEvents).Methods(http.MethodGet)
	router.HandleFunc("/security/events/history", h.ListEventHistory).Methods(http.MethodGet)
	router.HandleFunc("/security/timeline", h.GetTimeline).Methods(http.MethodGet)
	router.HandleFunc("/security/report", h.GetReport).Methods(http.MethodGet)
	router.HandleFunc("/security/waf/stats", h.GetWAFStats).Methods(http.MethodGet)
	router.HandleFunc("/security/waf/blacklist", h.ListBlacklist).Methods(http.MethodGet)
	router.HandleFunc("/security/waf/blacklist", h.AddToBlacklist).Methods(http.MethodPost)
	router.HandleFunc("/security/waf/blacklist/{ip:.+}", h.RemoveFromBlacklist).Methods(http.MethodDelete)
	router.HandleFunc("/security/sessions", h.TrackSession).Methods(http.MethodPost)
}

// GetMetrics handles GET /security/metrics.
func (h *SecurityHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.monitor.GetMetrics())
}

// ListEvents handles GET /security/events?limit=&severity=&type=&user=&ip=
func (h *SecurityHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sev := monitor.Severity(q.Get("severity"))
	if sev != "" && !sev.Valid() {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "severity must be one of info, warning, error, critical")
		return
	}
	limit, ok := parseLimit(q.Get("limit"), 100)
	if !ok {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
		return
	}
	events := h.monitor.Find(monitor.Query{
		Type:     q.Get("type"),
		Severity: sev,
		UserID:   q.Get("user"),
		IP:       q.Get("ip"),
		Limit:    limit,
	})
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// ListEventHistory handles GET /security/events/history?type=&ip=&since=&limit=
// from the persistent store.
func (h *SecurityHandler) ListEventHistory(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Event persistence is not configured")
		return
	}
	q := r.URL.Query()
	f := repository.EventFilter{Type: q.Get("type"), IP: q.Get("ip")}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}
	limit, ok := parseLimit(q.Get("limit"), 100)
	if !ok {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
		return
	}
	f.Limit = limit

	events, err := h.events.ListSecurityEvents(r.Context(), f)
	if err != nil {
		h.logger.Error("list security events failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list security events")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// GetTimeline handles GET /security/timeline?hours=
func (h *SecurityHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	hours := 0
	if s := r.URL.Query().Get("hours"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	respondJSON(w, http.StatusOK, h.monitor.GetThreatTimeline(hours))
}

// GetReport handles GET /security/report?period=hour|day|week (default day).
func (h *SecurityHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	period := monitor.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = monitor.PeriodDay
	}
	report, err := h.monitor.GenerateReport(period)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "period must be one of hour, day, week")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// GetWAFStats handles GET /security/waf/stats.
func (h *SecurityHandler) GetWAFStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.firewall.GetStats())
}

// ListBlacklist handles GET /security/waf/blacklist.
func (h *SecurityHandler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"entries": h.firewall.Denylist()})
}

// BlacklistRequest is the body for POST /security/waf/blacklist.
type BlacklistRequest struct {
	IP string `json:"ip"`
}

// AddToBlacklist handles POST /security/waf/blacklist.
func (h *SecurityHandler) AddToBlacklist(w http.ResponseWriter, r *http.Request) {
	var req BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if err := h.firewall.BlacklistIP(req.IP); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidationFailed, "ip must be an IP address or CIDR prefix")
		return
	}
	h.logger.Info("entry blacklisted by admin", zap.String("entry", req.IP))
	respondJSON(w, http.StatusCreated, map[string]string{"status": "blacklisted", "ip": req.IP})
}

// RemoveFromBlacklist handles DELETE /security/waf/blacklist/{ip}.
func (h *SecurityHandler) RemoveFromBlacklist(w http.ResponseWriter, r *http.Request) {
	entry := mux.Vars(r)["ip"]
	if !h.firewall.RemoveFromBlacklist(entry) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Entry is not blacklisted")
		return
	}
	h.logger.Info("entry removed from blacklist by admin", zap.String("entry", entry))
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed", "ip": entry})
}

// SessionRequest is the body for POST /security/sessions.
type SessionRequest struct {
	UserID string                `json:"userId"`
	Action monitor.SessionAction `json:"action"`
}

// TrackSession handles POST /security/sessions, fed by the authentication service.
func (h *SecurityHandler) TrackSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}
	if err := h.monitor.TrackUserSession(req.UserID, req.Action); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"activeUsers": h.monitor.GetMetrics().ActiveUsers})
}

func parseLimit(s string, def int) (int, bool) {
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxEventsLimit), true
}
