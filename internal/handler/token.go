package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pairlink/session-server/internal/audit"
	"github.com/pairlink/session-server/internal/service"
	"github.com/pairlink/session-server/internal/token"
)

type TokenHandler struct {
	sessions *service.SessionService
}

func NewTokenHandler(sessions *service.SessionService) *TokenHandler {
	return &TokenHandler{sessions: sessions}
}

// Routes mounts under /api/tokens.
func (h *TokenHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	return r
}

// POST /api/tokens/validate
// Always 200; the body says whether the token is usable.
func (h *TokenHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result := h.sessions.ValidateToken(r.Context(), strings.TrimSpace(req.Token))
	if !result.Valid {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventTokenFailure,
			Details: map[string]interface{}{"reason": result.Reason},
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":  false,
			"reason": result.Reason,
		})
		return
	}

	var data service.TokenData
	if err := result.Payload.Unmarshal(&data); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":  false,
			"reason": token.ReasonInvalid,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"data":     data,
		"issuedAt": result.Payload.IssuedAt(),
	})
}
