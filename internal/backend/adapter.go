// Package backend talks to the external messaging backend that performs the
// actual device pairing handshake.
package backend

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pairlink/session-server/internal/model"
)

var ErrNotConfigured = errors.New("pairing backend not configured")

// Event reports a connection-state change for one session.
type Event struct {
	SessionID   string                `json:"sessionId"`
	State       model.ConnectionState `json:"state"`
	Credentials json.RawMessage       `json:"credentials,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// Adapter is the capability set the session service needs from a backend.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// RequestPairingCode asks the backend to issue a pairing code for phone.
	RequestPairingCode(ctx context.Context, sessionID, phone string) (string, error)

	// RequestQR starts a QR login. The channel may deliver several values and
	// is closed when ctx ends or the session's handle is closed.
	RequestQR(ctx context.Context, sessionID string) (<-chan string, error)

	// Events streams connection-state changes for all sessions. It may never
	// deliver anything.
	Events() <-chan Event

	Close(ctx context.Context, sessionID string) error
	HasHandle(sessionID string) bool
}
