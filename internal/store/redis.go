package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairlink/session-server/internal/model"
)

const (
	DefaultRedisGrace = time.Hour

	redisKeyPrefix      = "pairlink:"
	redisMaxTxRetries   = 50
	redisMinKeyLifetime = time.Second
)

// releaseCodeScript deletes a pairing-code index entry only while it still
// points at the given session.
var releaseCodeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// redisRecord carries credentials alongside the public session JSON, which
// leaves them out.
type redisRecord struct {
	Session     *model.Session  `json:"session"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

// RedisStore keeps each session as a JSON value whose key TTL outlives
// expiresAt by a grace period, so lookups can still tell expired from unknown.
type RedisStore struct {
	client   *redis.Client
	capacity int
	grace    time.Duration
	now      func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		client:   client,
		capacity: o.capacity,
		grace:    DefaultRedisGrace,
		now:      o.now,
	}
}

func sessionKey(id string) string {
	return redisKeyPrefix + "session:" + id
}

func pairingKey(code string) string {
	return redisKeyPrefix + "pair:" + code
}

func orderKey() string {
	return redisKeyPrefix + "sessions:order"
}

func sequenceKey() string {
	return redisKeyPrefix + "sessions:seq"
}

func (r *RedisStore) keyTTL(s *model.Session) time.Duration {
	ttl := s.ExpiresAt.Sub(r.now()) + r.grace
	if ttl < redisMinKeyLifetime {
		ttl = redisMinKeyLifetime
	}
	return ttl
}

func encodeRecord(s *model.Session) ([]byte, error) {
	data, err := json.Marshal(redisRecord{Session: s, Credentials: s.Credentials})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*model.Session, error) {
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if rec.Session == nil {
		return nil, errors.New("unmarshal session: empty record")
	}
	rec.Session.Credentials = rec.Credentials
	if rec.Session.Devices == nil {
		rec.Session.Devices = model.Devices{}
	}
	return rec.Session, nil
}

// load reads a record without applying expiry. A nil session means the key
// is gone.
func (r *RedisStore) load(ctx context.Context, c stringGetter, id string) (*model.Session, error) {
	data, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeRecord(data)
}

func (r *RedisStore) Put(ctx context.Context, s *model.Session) error {
	data, err := encodeRecord(s)
	if err != nil {
		return err
	}

	seq, err := r.client.Incr(ctx, sequenceKey()).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	codeKey := pairingKey(s.PairingCode)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, sessionKey(s.ID)).Result()
		if err != nil {
			return fmt.Errorf("check session id: %w", err)
		}
		if exists > 0 {
			return ErrDuplicateID
		}

		var staleOwner *model.Session
		ownerID, err := tx.Get(ctx, codeKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("check pairing code: %w", err)
		default:
			owner, err := r.load(ctx, tx, ownerID)
			if err != nil {
				return err
			}
			if owner != nil && !isExpired(owner, r.now()) {
				return ErrDuplicateCode
			}
			staleOwner = owner
		}

		ttl := r.keyTTL(s)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if staleOwner != nil {
				pipe.Del(ctx, sessionKey(staleOwner.ID))
				pipe.ZRem(ctx, orderKey(), staleOwner.ID)
			}
			pipe.Set(ctx, sessionKey(s.ID), data, ttl)
			pipe.Set(ctx, codeKey, s.ID, ttl)
			pipe.ZAdd(ctx, orderKey(), redis.Z{Score: float64(seq), Member: s.ID})
			return nil
		})
		return err
	}

	if err := r.withRetry(ctx, txf, codeKey, sessionKey(s.ID)); err != nil {
		return err
	}

	return r.enforceCapacity(ctx)
}

func (r *RedisStore) enforceCapacity(ctx context.Context) error {
	count, err := r.client.ZCard(ctx, orderKey()).Result()
	if err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}
	excess := count - int64(r.capacity)
	if excess <= 0 {
		return nil
	}

	ids, err := r.client.ZRange(ctx, orderKey(), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("oldest sessions: %w", err)
	}
	for _, id := range ids {
		if _, err := r.remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	s, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	if isExpired(s, r.now()) {
		return nil, ErrExpired
	}
	return s, nil
}

func (r *RedisStore) GetByPairingCode(ctx context.Context, code string) (*model.Session, error) {
	id, err := r.client.Get(ctx, pairingKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pairing code: %w", err)
	}

	s, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.PairingCode != code {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Session, error) {
	var updated *model.Session
	key := sessionKey(id)

	txf := func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}
		if isExpired(current, r.now()) {
			return ErrExpired
		}

		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}
		data, err := encodeRecord(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.keyTTL(next))
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	if err := r.withRetry(ctx, txf, key); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.remove(ctx, id)
	return err
}

// remove deletes the record, its code index entry if still owned, and its
// order entry. It returns the removed record, or nil if the key was gone.
func (r *RedisStore) remove(ctx context.Context, id string) (*model.Session, error) {
	s, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.ZRem(ctx, orderKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}

	if s != nil {
		err := releaseCodeScript.Run(ctx, r.client, []string{pairingKey(s.PairingCode)}, id).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return s, fmt.Errorf("release pairing code: %w", err)
		}
	}
	return s, nil
}

func (r *RedisStore) SweepExpired(ctx context.Context) ([]model.Session, error) {
	ids, err := r.client.ZRange(ctx, orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}

	now := r.now()
	var removed []model.Session
	for _, id := range ids {
		s, err := r.load(ctx, r.client, id)
		if err != nil {
			return removed, err
		}
		if s == nil {
			// Key TTL already reclaimed it.
			r.client.ZRem(ctx, orderKey(), id)
			continue
		}
		if !isExpired(s, now) {
			continue
		}
		if _, err := r.remove(ctx, id); err != nil {
			return removed, err
		}
		removed = append(removed, *s)
	}
	return removed, nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]model.Session, error) {
	sessions, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(sessions)
	return limitSessions(sessions, limit), nil
}

func (r *RedisStore) Snapshot(ctx context.Context) ([]model.Session, error) {
	ids, err := r.client.ZRevRange(ctx, orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	if len(ids) == 0 {
		return []model.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	now := r.now()
	sessions := make([]model.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decodeRecord([]byte(raw))
		if err != nil || isExpired(s, now) {
			continue
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

// Close is a no-op; the caller owns the client.
func (r *RedisStore) Close() error {
	return nil
}

func (r *RedisStore) withRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < redisMaxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session update: %w", redis.TxFailedErr)
}
