package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
)

// Handler upgrades dashboard connections and registers them with the hub.
type Handler struct {
	hub      *Hub
	monitor  *monitor.Monitor
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler builds a handler. allowedOrigins follows the CORS setting: "*" admits
// any origin, an empty list keeps the same-origin check.
func NewHandler(hub *Hub, mon *monitor.Monitor, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		hub:     hub,
		monitor: mon,
		logger:  logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = originChecker(allowedOrigins)
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/security", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS handles GET /ws/security?severity=warning&types=waf_block,security_threat
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{
		MinSeverity: monitor.Severity(q.Get("severity")),
		Types:       parseTypes(q.Get("types")),
	}
	if filter.MinSeverity != "" && !filter.MinSeverity.Valid() {
		http.Error(w, "invalid severity", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), h.hub, conn, filter, h.logger)
	if h.monitor != nil {
		snap := h.monitor.GetMetrics()
		if data, err := json.Marshal(Message{Type: TypeMetrics, Metrics: &snap, Timestamp: snap.LastUpdated}); err == nil {
			c.send <- data
		}
	}
	if !h.hub.add(r.Context(), c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
