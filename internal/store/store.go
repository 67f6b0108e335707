// Package store persists pairing sessions behind a single interface with
// interchangeable memory, file, PostgreSQL and Redis backends.
//
// Every backend applies the same lazy expiry rule on read: a record past its
// expiresAt is reported as ErrExpired and never returned, whether or not
// SweepExpired has removed it yet.
//
// Capacity is a FIFO cap on insertion order, not LRU. Under load an active or
// connected session can be evicted simply because it is the oldest insert.
// This is the scalability ceiling of the demo-scale design.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pairlink/session-server/internal/model"
)

const DefaultCapacity = 100

var (
	ErrNotFound          = errors.New("session not found")
	ErrExpired           = errors.New("session expired")
	ErrDuplicateID       = errors.New("session id already exists")
	ErrDuplicateCode     = errors.New("pairing code already in use")
	ErrImmutableField    = errors.New("immutable session field changed")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// UpdateFunc mutates a private copy of a session. Returning an error aborts
// the update and leaves the stored record untouched.
type UpdateFunc func(s *model.Session) error

type Store interface {
	Put(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	GetByPairingCode(ctx context.Context, code string) (*model.Session, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Session, error)
	Delete(ctx context.Context, id string) error
	SweepExpired(ctx context.Context) ([]model.Session, error)
	List(ctx context.Context, limit int) ([]model.Session, error)
	Snapshot(ctx context.Context) ([]model.Session, error)
	Close() error
}

type options struct {
	capacity int
	now      func() time.Time
}

type Option func(*options)

// WithCapacity sets the FIFO cap. Zero or negative keeps the default.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// isExpired is the one expiry rule every backend shares.
func isExpired(s *model.Session, now time.Time) bool {
	return s.IsExpiredAt(now)
}

// applyUpdate runs fn on a copy of current and enforces the record
// invariants: identity and lifetime never change and status only moves
// forward.
func applyUpdate(current *model.Session, fn UpdateFunc) (*model.Session, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	if next.ID != current.ID ||
		next.PairingCode != current.PairingCode ||
		!next.CreatedAt.Equal(current.CreatedAt) ||
		!next.ExpiresAt.Equal(current.ExpiresAt) {
		return nil, ErrImmutableField
	}

	if next.Status != current.Status && !current.Status.CanTransitionTo(next.Status) {
		return nil, ErrInvalidTransition
	}

	return next, nil
}

func sortNewestFirst(sessions []model.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func limitSessions(sessions []model.Session, limit int) []model.Session {
	if limit > 0 && len(sessions) > limit {
		return sessions[:limit]
	}
	return sessions
}
