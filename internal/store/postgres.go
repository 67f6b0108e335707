package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pairlink/session-server/internal/database"
	"github.com/pairlink/session-server/internal/model"
)

const (
	pqUniqueViolation  = "23505"
	sessionsInsertLock = "pairing_sessions:insert"
)

// sessionRow mirrors pairing_sessions. Credentials scan through []byte
// because a NULL cannot be scanned into json.RawMessage.
type sessionRow struct {
	Seq         int64               `db:"seq"`
	ID          string              `db:"id"`
	PairingCode string              `db:"pairing_code"`
	Name        string              `db:"name"`
	Type        string              `db:"type"`
	Security    string              `db:"security"`
	PhoneNumber string              `db:"phone_number"`
	Status      model.SessionStatus `db:"status"`
	Devices     model.Devices       `db:"devices"`
	Credentials []byte              `db:"credentials"`
	CreatedAt   time.Time           `db:"created_at"`
	ExpiresAt   time.Time           `db:"expires_at"`
	ConnectedAt *time.Time          `db:"connected_at"`
}

func (r *sessionRow) toModel() *model.Session {
	s := &model.Session{
		ID:          r.ID,
		PairingCode: r.PairingCode,
		Name:        r.Name,
		Type:        r.Type,
		Security:    r.Security,
		PhoneNumber: r.PhoneNumber,
		Status:      r.Status,
		Devices:     r.Devices,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		ConnectedAt: r.ConnectedAt,
	}
	if len(r.Credentials) > 0 {
		s.Credentials = append(s.Credentials, r.Credentials...)
	}
	if s.Devices == nil {
		s.Devices = model.Devices{}
	}
	return s
}

// nullableJSON keeps an empty credential blob as SQL NULL. JSON is bound as
// text since lib/pq encodes []byte parameters as bytea.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type PostgresStore struct {
	db       *database.DB
	capacity int
	now      func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *database.DB, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{
		db:       db,
		capacity: o.capacity,
		now:      o.now,
	}
}

func (p *PostgresStore) Put(ctx context.Context, s *model.Session) error {
	now := p.now()

	return p.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Inserts are serialized table-wide: the code check and the capacity
		// trim both read rows a concurrent insert could add.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionsInsertLock); err != nil {
			return fmt.Errorf("lock sessions table: %w", err)
		}

		var owners []sessionRow
		if err := tx.SelectContext(ctx, &owners,
			`SELECT * FROM pairing_sessions WHERE pairing_code = $1`, s.PairingCode); err != nil {
			return fmt.Errorf("check pairing code: %w", err)
		}
		for i := range owners {
			if !isExpired(owners[i].toModel(), now) {
				return ErrDuplicateCode
			}
		}
		if len(owners) > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM pairing_sessions WHERE pairing_code = $1`, s.PairingCode); err != nil {
				return fmt.Errorf("purge expired code owner: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO pairing_sessions (
				id, pairing_code, name, type, security, phone_number, status,
				devices, credentials, created_at, expires_at, connected_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, s.PairingCode, s.Name, s.Type, s.Security, s.PhoneNumber, s.Status,
			s.Devices, nullableJSON(s.Credentials), s.CreatedAt, s.ExpiresAt, s.ConnectedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
				return ErrDuplicateID
			}
			return fmt.Errorf("insert session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM pairing_sessions
			WHERE seq IN (
				SELECT seq FROM pairing_sessions ORDER BY seq DESC OFFSET $1
			)`, p.capacity); err != nil {
			return fmt.Errorf("enforce capacity: %w", err)
		}

		return nil
	})
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	return p.getRow(ctx, p.db, `SELECT * FROM pairing_sessions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByPairingCode(ctx context.Context, code string) (*model.Session, error) {
	return p.getRow(ctx, p.db, `
		SELECT * FROM pairing_sessions
		WHERE pairing_code = $1
		ORDER BY seq DESC
		LIMIT 1`, code)
}

func (p *PostgresStore) getRow(ctx context.Context, q database.DBTX, query string, args ...any) (*model.Session, error) {
	var row sessionRow
	err := q.GetContext(ctx, &row, query, args...)
	return p.checkRow(&row, err)
}

func (p *PostgresStore) checkRow(row *sessionRow, err error) (*model.Session, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s := row.toModel()
	if isExpired(s, p.now()) {
		return nil, ErrExpired
	}
	return s, nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Session, error) {
	var updated *model.Session

	err := p.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := p.getRow(ctx, tx, `SELECT * FROM pairing_sessions WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}

		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE pairing_sessions SET
				name = $2, type = $3, security = $4, phone_number = $5, status = $6,
				devices = $7, credentials = $8, connected_at = $9
			WHERE id = $1`,
			next.ID, next.Name, next.Type, next.Security, next.PhoneNumber, next.Status,
			next.Devices, nullableJSON(next.Credentials), next.ConnectedAt,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM pairing_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *PostgresStore) SweepExpired(ctx context.Context) ([]model.Session, error) {
	var rows []sessionRow
	err := p.db.SelectContext(ctx, &rows, `
		DELETE FROM pairing_sessions
		WHERE expires_at < $1 OR status = $2
		RETURNING *`, p.now(), model.SessionStatusExpired)
	if err != nil {
		return nil, fmt.Errorf("sweep sessions: %w", err)
	}
	return rowsToSessions(rows), nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		return p.Snapshot(ctx)
	}

	var rows []sessionRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM pairing_sessions
		WHERE expires_at >= $1 AND status <> $2
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`, p.now(), model.SessionStatusExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rowsToSessions(rows), nil
}

func (p *PostgresStore) Snapshot(ctx context.Context) ([]model.Session, error) {
	var rows []sessionRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM pairing_sessions
		WHERE expires_at >= $1 AND status <> $2
		ORDER BY created_at DESC, seq DESC`, p.now(), model.SessionStatusExpired)
	if err != nil {
		return nil, fmt.Errorf("snapshot sessions: %w", err)
	}
	return rowsToSessions(rows), nil
}

// Close is a no-op; the caller owns the connection pool.
func (p *PostgresStore) Close() error {
	return nil
}

func rowsToSessions(rows []sessionRow) []model.Session {
	sessions := make([]model.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, *rows[i].toModel())
	}
	return sessions
}
