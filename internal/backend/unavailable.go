package backend

import "context"

// Unavailable is used when no bridge is configured. Every request fails.
type Unavailable struct {
	events chan Event
}

var _ Adapter = (*Unavailable)(nil)

func NewUnavailable() *Unavailable {
	return &Unavailable{events: make(chan Event)}
}

func (u *Unavailable) RequestPairingCode(ctx context.Context, sessionID, phone string) (string, error) {
	return "", ErrNotConfigured
}

func (u *Unavailable) RequestQR(ctx context.Context, sessionID string) (<-chan string, error) {
	return nil, ErrNotConfigured
}

func (u *Unavailable) Events() <-chan Event {
	return u.events
}

func (u *Unavailable) Close(ctx context.Context, sessionID string) error {
	return nil
}

func (u *Unavailable) HasHandle(sessionID string) bool {
	return false
}
