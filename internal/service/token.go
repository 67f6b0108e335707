package service

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/pairlink/session-server/internal/errors"
	"github.com/pairlink/session-server/internal/model"
	"github.com/pairlink/session-server/internal/token"
)

// TokenData is the record sealed into an exported session token.
type TokenData struct {
	SessionID   string          `json:"sessionId"`
	PhoneNumber string          `json:"phoneNumber,omitempty"`
	ConnectedAt *time.Time      `json:"connectedAt,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// ExportToken seals a connected session and its backend credentials into an
// opaque token.
func (s *SessionService) ExportToken(ctx context.Context, id string) (string, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Status != model.SessionStatusConnected {
		return "", apperrors.SessionNotConnected()
	}

	tok, err := s.codec.Encode(TokenData{
		SessionID:   sess.ID,
		PhoneNumber: sess.PhoneNumber,
		ConnectedAt: sess.ConnectedAt,
		Credentials: sess.Credentials,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode session token", err)
	}
	return tok, nil
}

func (s *SessionService) ValidateToken(ctx context.Context, tok string) token.Validation {
	v := s.codec.Validate(tok)
	if v.Valid {
		s.metrics.TokenValidation("valid")
	} else {
		s.metrics.TokenValidation(v.Reason)
	}
	return v
}
