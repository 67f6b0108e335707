package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/session-server/internal/errors"
	"github.com/pairlink/session-server/internal/model"
	"github.com/pairlink/session-server/internal/sse"
	"github.com/pairlink/session-server/internal/store"
	"github.com/pairlink/session-server/internal/util"
)

const (
	ReasonInvalidFormat = "invalid_format"
	ReasonNotFound      = "not_found"
	ReasonExpired       = "expired"
)

const (
	backendOpPairingCode = "pairing_code"
	backendOpQR          = "qr"
)

var errQRStreamClosed = errors.New("qr stream closed before a code was issued")

type PairingValidation struct {
	Valid   bool           `json:"valid"`
	Session *model.Session `json:"session,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// RequestPairing creates a short-lived session for phone and immediately asks
// the backend for a pairing code. If the backend fails the session is kept in
// pending and returned along with the error.
func (s *SessionService) RequestPairing(ctx context.Context, phone string) (*model.Session, string, error) {
	if strings.TrimSpace(phone) == "" {
		return nil, "", apperrors.InvalidPhoneNumber()
	}

	sess, err := s.CreateSession(ctx, model.CreateSessionParams{
		Type:        model.SessionTypePairingCode,
		PhoneNumber: phone,
		TTL:         s.pairingTTL,
	})
	if err != nil {
		return nil, "", err
	}

	code, err := s.IssuePairingCode(ctx, sess.ID)
	if err != nil {
		return sess, "", err
	}

	updated, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, "", err
	}
	return updated, code, nil
}

// IssuePairingCode asks the backend for a code for the session's phone
// number and moves the session to active. A backend failure leaves it
// pending; nothing is retried here.
func (s *SessionService) IssuePairingCode(ctx context.Context, id string) (string, error) {
	sess, err := s.issuable(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.PhoneNumber == "" {
		return "", apperrors.MissingRequired("phoneNumber")
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := s.beginRequest(id, cancel)
	defer release()

	code, err := s.adapter.RequestPairingCode(reqCtx, id, sess.PhoneNumber)
	s.metrics.BackendRequest(backendOpPairingCode, err)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.Canceled) {
			return "", apperrors.NotFound("Session")
		}
		log.Warn().Err(err).Str("session_id", id).Msg("backend pairing code request failed")
		return "", apperrors.External("pairing backend", err)
	}

	if err := s.markActive(ctx, id); err != nil {
		return "", err
	}

	log.Info().Str("session_id", id).Msg("pairing code issued")
	return code, nil
}

// IssueQR starts a QR login and returns the first QR value. Later values are
// published as qr events until the session connects, is deleted or expires.
func (s *SessionService) IssueQR(ctx context.Context, id string) (string, error) {
	sess, err := s.issuable(ctx, id)
	if err != nil {
		return "", err
	}

	// The stream outlives this call, so it is bounded by the session rather
	// than the caller. ExpiresAt is on the service clock, not the wall clock.
	qrCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sess.ExpiresAt.Sub(s.now()))
	release := s.beginRequest(id, cancel)
	abort := func() {
		release()
		cancel()
	}

	stream, err := s.adapter.RequestQR(qrCtx, id)
	if err != nil {
		s.metrics.BackendRequest(backendOpQR, err)
		abort()
		log.Warn().Err(err).Str("session_id", id).Msg("backend qr request failed")
		return "", apperrors.External("pairing backend", err)
	}

	var first string
	select {
	case v, ok := <-stream:
		if !ok {
			deleted := errors.Is(qrCtx.Err(), context.Canceled)
			s.metrics.BackendRequest(backendOpQR, errQRStreamClosed)
			abort()
			if deleted {
				return "", apperrors.NotFound("Session")
			}
			return "", apperrors.External("pairing backend", errQRStreamClosed)
		}
		first = v
	case <-ctx.Done():
		abort()
		return "", ctx.Err()
	}
	s.metrics.BackendRequest(backendOpQR, nil)

	if err := s.markActive(ctx, id); err != nil {
		abort()
		return "", err
	}

	go func() {
		defer abort()
		for qr := range stream {
			s.publish(qrCtx, id, sse.EventQR, map[string]any{"sessionId": id, "qr": qr})
		}
	}()

	log.Info().Str("session_id", id).Msg("qr issued")
	return first, nil
}

// issuable loads a session that may still receive a pairing code or QR.
func (s *SessionService) issuable(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.lookupError(err, id)
	}
	if sess.Status == model.SessionStatusConnected {
		return nil, apperrors.Conflict("Session is already connected")
	}
	return sess, nil
}

func (s *SessionService) markActive(ctx context.Context, id string) error {
	updated, err := s.store.Update(ctx, id, func(sess *model.Session) error {
		if sess.Status == model.SessionStatusPending {
			sess.Status = model.SessionStatusActive
		}
		return nil
	})
	if err != nil {
		return s.lookupError(err, id)
	}

	s.publish(ctx, id, sse.EventStatus, map[string]any{
		"sessionId": id,
		"status":    updated.Status,
	})
	return nil
}

// ValidatePairingCode checks format before touching the store. The error is
// only set for storage failures.
func (s *SessionService) ValidatePairingCode(ctx context.Context, raw string) (PairingValidation, error) {
	code := util.NormalizePairingCode(raw)
	if !util.IsValidPairingCodeFormat(code) {
		s.metrics.CodeValidation(ReasonInvalidFormat)
		return PairingValidation{Reason: ReasonInvalidFormat}, nil
	}

	sess, err := s.store.GetByPairingCode(ctx, code)
	switch {
	case err == nil:
		s.metrics.CodeValidation("valid")
		return PairingValidation{Valid: true, Session: sess}, nil
	case errors.Is(err, store.ErrNotFound):
		s.metrics.CodeValidation(ReasonNotFound)
		return PairingValidation{Reason: ReasonNotFound}, nil
	case errors.Is(err, store.ErrExpired):
		s.metrics.CodeValidation(ReasonExpired)
		log.Info().Str("code", util.MaskCode(code)).Msg("validation of expired pairing code")
		return PairingValidation{Reason: ReasonExpired}, nil
	default:
		return PairingValidation{}, apperrors.Database(err)
	}
}

// AttachDevice appends a device to the session owning code. It never changes
// the session status; only the backend's connected event does that.
func (s *SessionService) AttachDevice(ctx context.Context, rawCode string, info model.DeviceInfo) (*model.Session, *model.Device, error) {
	v, err := s.ValidatePairingCode(ctx, rawCode)
	if err != nil {
		return nil, nil, err
	}
	if !v.Valid {
		return nil, nil, validationError(v.Reason)
	}

	name := defaultString(info.Name, model.DefaultDeviceName)
	if len(name) > maxFieldLength {
		return nil, nil, apperrors.InvalidInput("device name", "too long")
	}

	now := s.now()
	device := model.Device{
		ID:           uuid.NewString(),
		Name:         name,
		PairedAt:     now,
		LastActiveAt: now,
	}

	updated, err := s.store.Update(ctx, v.Session.ID, func(sess *model.Session) error {
		sess.Devices = append(sess.Devices, device)
		return nil
	})
	switch {
	case errors.Is(err, store.ErrExpired):
		return nil, nil, apperrors.SessionExpired()
	case errors.Is(err, store.ErrNotFound):
		return nil, nil, apperrors.NotFound("Pairing code")
	case err != nil:
		return nil, nil, apperrors.Database(err)
	}

	s.metrics.DeviceAttached()
	s.publish(ctx, updated.ID, sse.EventDevice, map[string]any{
		"sessionId": updated.ID,
		"device":    device,
	})
	log.Info().
		Str("session_id", updated.ID).
		Str("device_id", device.ID).
		Int("devices", len(updated.Devices)).
		Msg("device attached")

	return updated, &device, nil
}

func validationError(reason string) error {
	switch reason {
	case ReasonInvalidFormat:
		return apperrors.InvalidPairingCode()
	case ReasonExpired:
		return apperrors.SessionExpired()
	default:
		return apperrors.NotFound("Pairing code")
	}
}
