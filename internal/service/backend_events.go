package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/session-server/internal/audit"
	"github.com/pairlink/session-server/internal/backend"
	apperrors "github.com/pairlink/session-server/internal/errors"
	"github.com/pairlink/session-server/internal/model"
	"github.com/pairlink/session-server/internal/sse"
	"github.com/pairlink/session-server/internal/store"
)

// Run dispatches the adapter's connection-state events until ctx is done or
// the stream closes. A stream that never delivers anything is fine.
func (s *SessionService) Run(ctx context.Context) {
	events := s.adapter.Events()
	log.Info().Msg("backend event observer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("backend event observer stopped")
			return

		case ev, ok := <-events:
			if !ok {
				log.Warn().Msg("backend event stream closed")
				return
			}
			s.handleBackendEvent(ctx, ev)
		}
	}
}

func (s *SessionService) handleBackendEvent(ctx context.Context, ev backend.Event) {
	var err error
	switch ev.State {
	case model.ConnectionStateOpen:
		err = s.OnBackendConnected(ctx, ev.SessionID, ev.Credentials)
	case model.ConnectionStateClose:
		err = s.OnBackendClosed(ctx, ev.SessionID, ev.Reason)
	default:
		log.Warn().Str("session_id", ev.SessionID).Str("state", string(ev.State)).Msg("unknown backend state")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", ev.SessionID).Str("state", string(ev.State)).Msg("backend event not applied")
	}
}

// OnBackendConnected is the only path to the connected status.
func (s *SessionService) OnBackendConnected(ctx context.Context, id string, creds json.RawMessage) error {
	now := s.now()
	updated, err := s.store.Update(ctx, id, func(sess *model.Session) error {
		sess.Status = model.SessionStatusConnected
		sess.ConnectedAt = &now
		if len(creds) > 0 {
			sess.Credentials = append(json.RawMessage(nil), creds...)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return apperrors.Conflict("Session cannot become connected")
		}
		return s.lookupError(err, id)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventBackendConnected,
		SessionID: id,
		Details:   map[string]interface{}{"has_credentials": updated.HasCredentials()},
	})
	s.publish(ctx, id, sse.EventConnected, map[string]any{
		"sessionId":   id,
		"status":      updated.Status,
		"connectedAt": updated.ConnectedAt,
	})
	log.Info().Str("session_id", id).Msg("backend connected")
	return nil
}

// OnBackendClosed records a dropped backend link. Status is left alone.
func (s *SessionService) OnBackendClosed(ctx context.Context, id, reason string) error {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return s.lookupError(err, id)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventBackendClosed,
		SessionID: id,
		Details:   map[string]interface{}{"reason": reason},
	})
	s.publish(ctx, id, sse.EventDisconnected, map[string]any{
		"sessionId": id,
		"reason":    reason,
	})
	log.Info().Str("session_id", id).Str("reason", reason).Msg("backend connection closed")
	return nil
}
