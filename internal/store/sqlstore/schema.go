package sqlstore

import (
	"context"
	"fmt"
)

// schema is portable between Postgres and SQLite. Timestamps are Unix
// nanoseconds so that range filters and ordering behave identically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                TEXT PRIMARY KEY,
		full_name         TEXT NOT NULL DEFAULT '',
		email             TEXT NOT NULL DEFAULT '',
		phone             TEXT NOT NULL DEFAULT '',
		state             TEXT NOT NULL DEFAULT '',
		district          TEXT NOT NULL DEFAULT '',
		mandal            TEXT NOT NULL DEFAULT '',
		village           TEXT NOT NULL DEFAULT '',
		referred_by       TEXT NOT NULL DEFAULT '',
		referral_code     TEXT NOT NULL DEFAULT '',
		role_name         TEXT NOT NULL DEFAULT '',
		membership_active BOOLEAN NOT NULL DEFAULT FALSE,
		stats             TEXT,
		schema_version    INTEGER NOT NULL DEFAULT 0,
		registered_at     BIGINT NOT NULL DEFAULT 0,
		updated_at        BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_referred_by ON users (referred_by)`,
	`CREATE INDEX IF NOT EXISTS idx_users_registered_at ON users (registered_at)`,
	`CREATE TABLE IF NOT EXISTS promotion_history (
		user_id     TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		from_role   TEXT NOT NULL,
		to_role     TEXT NOT NULL,
		promoted_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS referral_codes (
		code        TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		clicks      BIGINT NOT NULL DEFAULT 0,
		conversions BIGINT NOT NULL DEFAULT 0,
		created_at  BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_referral_codes_owner ON referral_codes (owner_id)`,
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
