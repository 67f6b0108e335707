package store

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/pairlink/session-server/internal/model"
)

type memoryEntry struct {
	session *model.Session
	seq     uint64
}

type orderEntry struct {
	id  string
	seq uint64
}

// MemoryStore keeps the primary map, the pairing-code index and the
// insertion order under one mutex so the three never disagree.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	codes    map[string]string
	order    *queue.Queue
	seq      uint64
	capacity int
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		codes:    make(map[string]string),
		order:    queue.New(),
		capacity: o.capacity,
		now:      o.now,
	}
}

// persistFunc is called with the lock held, after validation and before the
// change becomes visible. An error leaves the store untouched.
type persistFunc func(s *model.Session) error

func (m *MemoryStore) Put(ctx context.Context, s *model.Session) error {
	_, err := m.put(s, nil)
	return err
}

// put inserts s and returns every record removed as a side effect: expired
// owners of the same code and FIFO evictions.
func (m *MemoryStore) put(s *model.Session, persist persistFunc) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return nil, ErrDuplicateID
	}

	now := m.now()
	staleOwner := ""
	if ownerID, ok := m.codes[s.PairingCode]; ok {
		if owner, ok := m.sessions[ownerID]; ok {
			if !isExpired(owner.session, now) {
				return nil, ErrDuplicateCode
			}
			staleOwner = ownerID
		}
	}

	if persist != nil {
		if err := persist(s); err != nil {
			return nil, err
		}
	}

	var removed []model.Session
	if staleOwner != "" {
		removed = append(removed, *m.sessions[staleOwner].session.Clone())
		m.removeLocked(staleOwner)
	}

	m.seq++
	m.sessions[s.ID] = &memoryEntry{session: s.Clone(), seq: m.seq}
	m.codes[s.PairingCode] = s.ID
	m.order.Add(orderEntry{id: s.ID, seq: m.seq})

	for len(m.sessions) > m.capacity && m.order.Length() > 0 {
		oldest := m.order.Remove().(orderEntry)
		entry, ok := m.sessions[oldest.id]
		if !ok || entry.seq != oldest.seq {
			continue
		}
		removed = append(removed, *entry.session.Clone())
		m.removeLocked(oldest.id)
	}

	m.compactLocked()
	return removed, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *MemoryStore) GetByPairingCode(ctx context.Context, code string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*model.Session, error) {
	entry, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if isExpired(entry.session, m.now()) {
		return nil, ErrExpired
	}
	return entry.session.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Session, error) {
	return m.update(id, fn, nil)
}

func (m *MemoryStore) update(id string, fn UpdateFunc, persist persistFunc) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if isExpired(entry.session, m.now()) {
		return nil, ErrExpired
	}

	next, err := applyUpdate(entry.session, fn)
	if err != nil {
		return nil, err
	}
	if persist != nil {
		if err := persist(next); err != nil {
			return nil, err
		}
	}
	entry.session = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
	return nil
}

// delete removes id and reports the record that was there, if any.
func (m *MemoryStore) delete(id string) (*model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	s := entry.session.Clone()
	m.removeLocked(id)
	return s, true
}

func (m *MemoryStore) SweepExpired(ctx context.Context) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed []model.Session
	for id, entry := range m.sessions {
		if isExpired(entry.session, now) {
			removed = append(removed, *entry.session.Clone())
			m.removeLocked(id)
		}
	}
	m.compactLocked()
	return removed, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]model.Session, error) {
	sessions := m.live()
	sortNewestFirst(sessions)
	return limitSessions(sessions, limit), nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) ([]model.Session, error) {
	return m.live(), nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) live() []model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	sessions := make([]model.Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		if !isExpired(entry.session, now) {
			sessions = append(sessions, *entry.session.Clone())
		}
	}
	return sessions
}

func (m *MemoryStore) removeLocked(id string) {
	entry, ok := m.sessions[id]
	if !ok {
		return
	}
	if owner, ok := m.codes[entry.session.PairingCode]; ok && owner == id {
		delete(m.codes, entry.session.PairingCode)
	}
	delete(m.sessions, id)
}

// compactLocked drops order entries for records that are already gone once
// they outnumber live records, keeping the queue bounded.
func (m *MemoryStore) compactLocked() {
	if m.order.Length() <= 2*len(m.sessions)+16 {
		return
	}
	fresh := queue.New()
	for m.order.Length() > 0 {
		e := m.order.Remove().(orderEntry)
		if entry, ok := m.sessions[e.id]; ok && entry.seq == e.seq {
			fresh.Add(e)
		}
	}
	m.order = fresh
}
