package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Check is one readiness dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthzHandler serves liveness and readiness probes.
type HealthzHandler struct {
	checks []Check
	logger *zap.Logger
}

func NewHealthzHandler(logger *zap.Logger, checks ...Check) *HealthzHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthzHandler{checks: checks, logger: logger.Named("healthz")}
}

func (h *HealthzHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz/live", h.Live).Methods(http.MethodGet)
	router.HandleFunc("/healthz/ready", h.Ready).Methods(http.MethodGet)
}

// Live handles GET /healthz/live.
func (h *HealthzHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /healthz/ready: every check must pass within 2s.
func (h *HealthzHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"reason": c.Name + "_unavailable",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
