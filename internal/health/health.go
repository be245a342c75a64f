// Package health provides the liveness and readiness handlers served by
// apipoller's status listener.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dskow/kongjwt/internal/circuitbreaker"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Handler provides /health and /ready endpoints.
type Handler struct {
	breakers *circuitbreaker.Set
	logger   *slog.Logger
}

// New creates a health Handler. Readiness reflects the state of breakers,
// which may be nil.
func New(breakers *circuitbreaker.Set, logger *slog.Logger) *Handler {
	return &Handler{breakers: breakers, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports 503 only when every target's circuit is open, i.e. the
// poller has nothing left it would call.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	targets := map[string]string{}
	notReady := false
	if h.breakers != nil {
		for target, st := range h.breakers.States() {
			targets[target] = st.String()
		}
		notReady = h.breakers.AllOpen()
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if notReady {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
		h.logger.Warn("readiness check failed: every target circuit is open", "targets", len(targets))
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":  statusStr,
		"targets": targets,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
