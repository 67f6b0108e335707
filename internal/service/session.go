package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/session-server/internal/audit"
	"github.com/pairlink/session-server/internal/backend"
	apperrors "github.com/pairlink/session-server/internal/errors"
	"github.com/pairlink/session-server/internal/metrics"
	"github.com/pairlink/session-server/internal/model"
	"github.com/pairlink/session-server/internal/sse"
	"github.com/pairlink/session-server/internal/store"
	"github.com/pairlink/session-server/internal/token"
	"github.com/pairlink/session-server/internal/util"
)

const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultPairingTTL = 5 * time.Minute

	maxCodeAttempts     = 10
	maxFieldLength      = 100
	backendCloseTimeout = 10 * time.Second
)

// EventPublisher fans session events out to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, event sse.Event) error
}

type Config struct {
	SessionTTL time.Duration
	PairingTTL time.Duration
}

type Stats struct {
	Total        int `json:"totalSessions"`
	Pending      int `json:"pendingSessions"`
	Active       int `json:"activeSessions"`
	Connected    int `json:"connectedSessions"`
	Expired      int `json:"expiredSessions"`
	TotalDevices int `json:"totalDevices"`
}

// SessionService owns the pairing session state machine. Backend calls are
// made without holding any store lock; status changes are applied afterwards
// through Store.Update.
type SessionService struct {
	store      store.Store
	adapter    backend.Adapter
	codec      *token.Codec
	events     EventPublisher
	metrics    *metrics.Metrics
	sessionTTL time.Duration
	pairingTTL time.Duration
	now        func() time.Time

	mu       sync.Mutex
	seq      uint64
	inflight map[string]map[uint64]context.CancelFunc
}

func NewSessionService(
	st store.Store,
	adapter backend.Adapter,
	codec *token.Codec,
	events EventPublisher,
	m *metrics.Metrics,
	cfg Config,
) *SessionService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = DefaultPairingTTL
	}
	return &SessionService{
		store:      st,
		adapter:    adapter,
		codec:      codec,
		events:     events,
		metrics:    m,
		sessionTTL: cfg.SessionTTL,
		pairingTTL: cfg.PairingTTL,
		now:        time.Now,
		inflight:   make(map[string]map[uint64]context.CancelFunc),
	}
}

func (s *SessionService) CreateSession(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	phone := ""
	if strings.TrimSpace(params.PhoneNumber) != "" {
		phone = util.NormalizePhone(params.PhoneNumber)
		if !util.IsValidPhone(phone) {
			return nil, apperrors.InvalidPhoneNumber()
		}
	}

	name := defaultString(params.Name, model.DefaultSessionName)
	sessionType := defaultString(params.Type, model.DefaultSessionType)
	security := defaultString(params.Security, model.DefaultSecurityLevel)
	for _, f := range []struct{ field, value string }{
		{"name", name},
		{"type", sessionType},
		{"security", security},
	} {
		if len(f.value) > maxFieldLength {
			return nil, apperrors.InvalidInput(f.field, fmt.Sprintf("must be at most %d characters", maxFieldLength))
		}
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = s.sessionTTL
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		id, err := util.NewSessionID()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate session id", err)
		}
		code, err := util.NewPairingCode()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate pairing code", err)
		}

		now := s.now()
		sess := &model.Session{
			ID:          id,
			PairingCode: code,
			Name:        name,
			Type:        sessionType,
			Security:    security,
			PhoneNumber: phone,
			Status:      model.SessionStatusPending,
			Devices:     model.Devices{},
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}

		err = s.store.Put(ctx, sess)
		if errors.Is(err, store.ErrDuplicateCode) || errors.Is(err, store.ErrDuplicateID) {
			s.metrics.CodeConflict()
			log.Debug().Int("attempt", attempt+1).Msg("pairing code collision, retrying")
			continue
		}
		if err != nil {
			return nil, apperrors.Database(err)
		}

		s.metrics.SessionCreated()
		log.Info().
			Str("session_id", sess.ID).
			Str("code", util.MaskCode(sess.PairingCode)).
			Time("expiresAt", sess.ExpiresAt).
			Msg("session created")

		return sess, nil
	}

	return nil, apperrors.Internal("Could not allocate a unique pairing code")
}

// GetSession reports an expired session as not found but logs it apart from
// an unknown id.
func (s *SessionService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.lookupError(err, id)
	}
	return sess, nil
}

func (s *SessionService) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	sessions, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return sessions, nil
}

// DeleteSession cancels any outstanding backend request, asks the backend to
// drop its connection without waiting, and removes the record. Deleting an
// unknown session succeeds.
func (s *SessionService) DeleteSession(ctx context.Context, id string) error {
	_, lookupErr := s.store.GetByID(ctx, id)
	existed := lookupErr == nil || errors.Is(lookupErr, store.ErrExpired)

	hadRequest := s.cancelInflight(id)
	if hadRequest || s.adapter.HasHandle(id) {
		s.closeBackend(id)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return apperrors.Database(err)
	}

	if existed {
		s.metrics.SessionDeleted()
		s.publish(ctx, id, sse.EventDeleted, map[string]any{"sessionId": id})
		log.Info().Str("session_id", id).Msg("session deleted")
	}
	return nil
}

// SweepExpired removes every session past its expiry and closes any backend
// connection still attached to one.
func (s *SessionService) SweepExpired(ctx context.Context) (int, error) {
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		return 0, apperrors.Database(err)
	}

	for _, sess := range removed {
		hadRequest := s.cancelInflight(sess.ID)
		if hadRequest || s.adapter.HasHandle(sess.ID) {
			s.closeBackend(sess.ID)
		}
		s.publish(ctx, sess.ID, sse.EventExpired, map[string]any{
			"sessionId": sess.ID,
			"expiresAt": sess.ExpiresAt,
		})
		audit.Log(ctx, audit.Event{
			Type:      audit.EventSessionExpire,
			SessionID: sess.ID,
			Details:   map[string]interface{}{"status": string(sess.Status), "devices": len(sess.Devices)},
		})
	}

	s.metrics.SessionsExpired(len(removed))
	if len(removed) > 0 {
		log.Info().Int("count", len(removed)).Msg("expired sessions swept")
	}
	return len(removed), nil
}

// Stats sweeps first so no count includes an expired record. Expired is the
// number of records that sweep removed.
func (s *SessionService) Stats(ctx context.Context) (*Stats, error) {
	swept, err := s.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	stats := &Stats{Total: len(sessions), Expired: swept}
	for _, sess := range sessions {
		switch sess.Status {
		case model.SessionStatusPending:
			stats.Pending++
		case model.SessionStatusActive:
			stats.Active++
		case model.SessionStatusConnected:
			stats.Connected++
		}
		stats.TotalDevices += len(sess.Devices)
	}

	s.metrics.SetSessionCount(string(model.SessionStatusPending), stats.Pending)
	s.metrics.SetSessionCount(string(model.SessionStatusActive), stats.Active)
	s.metrics.SetSessionCount(string(model.SessionStatusConnected), stats.Connected)

	return stats, nil
}

func (s *SessionService) lookupError(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NotFound("Session")
	case errors.Is(err, store.ErrExpired):
		log.Info().Str("session_id", id).Msg("lookup of expired session")
		return apperrors.NotFound("Session")
	default:
		return apperrors.Database(err)
	}
}

// beginRequest registers cancel under id so DeleteSession can abandon the
// request. The returned func unregisters it without cancelling.
func (s *SessionService) beginRequest(id string, cancel context.CancelFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ticket := s.seq
	if s.inflight[id] == nil {
		s.inflight[id] = make(map[uint64]context.CancelFunc)
	}
	s.inflight[id][ticket] = cancel

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if reqs, ok := s.inflight[id]; ok {
			delete(reqs, ticket)
			if len(reqs) == 0 {
				delete(s.inflight, id)
			}
		}
	}
}

func (s *SessionService) cancelInflight(id string) bool {
	s.mu.Lock()
	reqs := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()

	for _, cancel := range reqs {
		cancel()
	}
	return len(reqs) > 0
}

func (s *SessionService) closeBackend(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backendCloseTimeout)
		defer cancel()
		if err := s.adapter.Close(ctx, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("backend close failed")
		}
	}()
}

func (s *SessionService) publish(ctx context.Context, id, eventType string, data any) {
	if s.events == nil {
		return
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode session event")
		return
	}
	if err := s.events.Publish(ctx, id, event); err != nil {
		log.Warn().Err(err).Str("session_id", id).Str("type", eventType).Msg("failed to publish session event")
	}
}

func defaultString(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}
