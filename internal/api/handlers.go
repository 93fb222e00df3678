package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// handlers holds the HTTP handler dependencies.
type handlers struct {
	provider StatusProvider
	logger   *slog.Logger
}

func newHandlers(provider StatusProvider, logger *slog.Logger) *handlers {
	return &handlers{
		provider: provider,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth answers liveness probes.
func (h *handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": h.provider.Snapshot().UptimeSeconds,
	})
}

// HandleStatus returns the engine's point-in-time snapshot.
func (h *handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.provider.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Error("encode status snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
