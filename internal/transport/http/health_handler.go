package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"keyforge/internal/store"
)

// HealthHandler serves the liveness page and the health report
type HealthHandler struct {
	version   string
	startedAt time.Time
	store     *store.Store
	logger    *slog.Logger
}

// NewHealthHandler creates a health handler
func NewHealthHandler(version string, st *store.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startedAt: time.Now(),
		store:     st,
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// Root handles GET /: a plain-text liveness page
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "keyforge %s - license validation service is running\n", h.version)
}

// HealthResponse is the GET /healthz body
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_seconds"`
	Keys      int    `json:"keys"`
	Users     int    `json:"users"`
	StorePath string `json:"store_path"`
}

// Health handles GET /healthz
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	keys, users := h.store.Counts()
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Version:   h.version,
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Keys:      keys,
		Users:     users,
		StorePath: h.store.Path(),
	})
}
