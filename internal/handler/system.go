package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/session-server/internal/config"
	"github.com/pairlink/session-server/internal/service"
)

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

type SystemHandler struct {
	sessions *service.SessionService
	checks   map[string]PingFunc
}

func NewSystemHandler(sessions *service.SessionService, checks map[string]PingFunc) *SystemHandler {
	return &SystemHandler{
		sessions: sessions,
		checks:   checks,
	}
}

// GET /api/stats
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	results := make(map[string]string, len(h.checks))

	for name, ping := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		err := ping(ctx)
		cancel()

		if err != nil {
			log.Warn().Err(err).Str("check", name).Msg("health check failed")
			results[name] = "error"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UnixMilli(),
		"checks":    results,
	})
}
