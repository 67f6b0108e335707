package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pairlink/session-server/internal/audit"
	"github.com/pairlink/session-server/internal/model"
	"github.com/pairlink/session-server/internal/service"
)

type SessionHandler struct {
	sessions *service.SessionService
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Routes mounts under /api/sessions. createMiddleware wraps only the route
// that mints new sessions. The event stream is registered separately so it
// can live outside the request timeout.
func (h *SessionHandler) Routes(createMiddleware ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(createMiddleware...).Post("/", h.CreateSession)
	r.Get("/", h.ListSessions)
	r.Get("/{id}", h.GetSession)
	r.Delete("/{id}", h.DeleteSession)
	r.Post("/{id}/pairing-code", h.IssuePairingCode)
	r.Post("/{id}/qr", h.IssueQR)
	r.Get("/{id}/token", h.ExportToken)

	return r
}

type createSessionRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Security    string `json:"security"`
	PhoneNumber string `json:"phoneNumber"`
}

// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := h.sessions.CreateSession(r.Context(), model.CreateSessionParams{
		Name:        req.Name,
		Type:        req.Type,
		Security:    req.Security,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: sess.ID,
		Details:   map[string]interface{}{"type": sess.Type, "has_phone": sess.PhoneNumber != ""},
	})

	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

// GET /api/sessions?limit=N
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	page := ParsePagination(r)

	sessions, err := h.sessions.ListSessions(r.Context(), page.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
		"limit":    page.Limit,
	})
}

// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// DELETE /api/sessions/{id}
// Succeeds whether or not the session existed.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.sessions.DeleteSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionDelete,
		SessionID: id,
	})

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// POST /api/sessions/{id}/pairing-code
func (h *SessionHandler) IssuePairingCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	code, err := h.sessions.IssuePairingCode(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCodeGenerate,
		SessionID: id,
		Details:   map[string]interface{}{"method": "pairing_code"},
	})

	writeJSON(w, http.StatusOK, map[string]any{"code": code})
}

// POST /api/sessions/{id}/qr
func (h *SessionHandler) IssueQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	qr, err := h.sessions.IssueQR(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCodeGenerate,
		SessionID: id,
		Details:   map[string]interface{}{"method": "qr"},
	})

	writeJSON(w, http.StatusOK, map[string]any{"qr": qr})
}

// GET /api/sessions/{id}/token
func (h *SessionHandler) ExportToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tok, err := h.sessions.ExportToken(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventTokenExport,
		SessionID: id,
	})

	writeJSON(w, http.StatusOK, map[string]any{"token": tok})
}
