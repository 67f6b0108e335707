package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pairlink/session-server/internal/audit"
	apperrors "github.com/pairlink/session-server/internal/errors"
	"github.com/pairlink/session-server/internal/model"
	"github.com/pairlink/session-server/internal/service"
)

type PairingHandler struct {
	sessions *service.SessionService
}

func NewPairingHandler(sessions *service.SessionService) *PairingHandler {
	return &PairingHandler{sessions: sessions}
}

// Routes mounts under /api/pairing. createLimit guards session creation and
// codeLimit guards every route that looks a code up; either may be nil.
func (h *PairingHandler) Routes(createLimit, codeLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(optional(createLimit)...).Post("/request", h.RequestPairing)
	r.With(optional(codeLimit)...).Post("/validate", h.ValidateCode)
	r.With(optional(codeLimit)...).Post("/{code}/devices", h.AttachDevice)

	return r
}

func optional(mw func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	if mw == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{mw}
}

// POST /api/pairing/request
// Creates a short-lived session and issues its backend pairing code in one
// call.
func (h *PairingHandler) RequestPairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sess, code, err := h.sessions.RequestPairing(r.Context(), req.PhoneNumber)
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok && sess != nil {
			err = appErr.WithDetails(map[string]any{"sessionId": sess.ID})
		}
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: sess.ID,
		Details:   map[string]interface{}{"type": sess.Type, "has_phone": true},
	})
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCodeGenerate,
		SessionID: sess.ID,
		Details:   map[string]interface{}{"method": "pairing_code"},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"code":    code,
	})
}

// POST /api/pairing/validate
func (h *PairingHandler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.sessions.ValidatePairingCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !result.Valid {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventCodeValidateFailure,
			Details: map[string]interface{}{"reason": result.Reason},
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /api/pairing/{code}/devices
func (h *PairingHandler) AttachDevice(w http.ResponseWriter, r *http.Request) {
	var info model.DeviceInfo
	if err := decodeJSON(r, &info); err != nil {
		writeError(w, r, err)
		return
	}

	sess, device, err := h.sessions.AttachDevice(r.Context(), chi.URLParam(r, "code"), info)
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventDeviceAttach,
		SessionID: sess.ID,
		DeviceID:  device.ID,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"device":  device,
	})
}
