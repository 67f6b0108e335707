package database

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS pairing_sessions (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	pairing_code TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	security     TEXT NOT NULL DEFAULT '',
	phone_number TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	devices      JSONB NOT NULL DEFAULT '[]',
	credentials  JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	connected_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pairing_sessions_code ON pairing_sessions (pairing_code);
CREATE INDEX IF NOT EXISTS idx_pairing_sessions_expires_at ON pairing_sessions (expires_at);
CREATE INDEX IF NOT EXISTS idx_pairing_sessions_seq ON pairing_sessions (seq);
`

// EnsureSchema creates the session table and its indexes if missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
