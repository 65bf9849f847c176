package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is applied in order at startup. Statements are idempotent so a
// restart against an existing database is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            UUID PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL DEFAULT '',
		requires_2fa  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id              UUID PRIMARY KEY,
		user_id         UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		twofa_verified  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id)`,
	`CREATE TABLE IF NOT EXISTS user_routers (
		user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		router_id  TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, router_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_devices (
		user_id     UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		router_id   TEXT NOT NULL,
		ip          TEXT NOT NULL,
		mac         TEXT NOT NULL DEFAULT '',
		hostname    TEXT NOT NULL DEFAULT '',
		first_seen  TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, router_id, ip)
	)`,
	`CREATE TABLE IF NOT EXISTS user_whitelists (
		user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		router_id  TEXT NOT NULL,
		ip         TEXT NOT NULL,
		mac        TEXT NOT NULL DEFAULT '',
		added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, router_id, ip)
	)`,
	`CREATE TABLE IF NOT EXISTS user_blacklists (
		user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		router_id  TEXT NOT NULL,
		ip         TEXT NOT NULL,
		mac        TEXT NOT NULL DEFAULT '',
		added_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, router_id, ip)
	)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id           UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		router_id         TEXT NOT NULL,
		whitelist_active  BOOLEAN NOT NULL DEFAULT FALSE,
		blacklist_active  BOOLEAN NOT NULL DEFAULT FALSE,
		whitelist_rate    INTEGER NOT NULL DEFAULT 100,
		blacklist_rate    INTEGER NOT NULL DEFAULT 100,
		default_router    BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (user_id, router_id),
		CHECK (NOT (whitelist_active AND blacklist_active))
	)`,
	`CREATE TABLE IF NOT EXISTS user_2fa_settings (
		user_id           UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		enabled           BOOLEAN NOT NULL DEFAULT FALSE,
		encrypted_seed    BYTEA,
		setup_token       TEXT NOT NULL DEFAULT '',
		setup_expires_at  TIMESTAMPTZ,
		backup_codes      TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS user_2fa_attempts (
		user_id        UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		failed_count   INTEGER NOT NULL DEFAULT 0,
		lockout_level  INTEGER NOT NULL DEFAULT 0,
		locked_until   TIMESTAMPTZ
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i, err)
		}
	}
	return nil
}
