package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    image TEXT NOT NULL DEFAULT '',
    created_at_unix BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
    provider TEXT NOT NULL,
    provider_account_id TEXT NOT NULL,
    provider_account_name TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL REFERENCES users (id),
    created_at_unix BIGINT NOT NULL,
    PRIMARY KEY (provider, provider_account_id)
);
CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts (user_id);
CREATE TABLE IF NOT EXISTS sessions (
    token_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    expires_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_unix);
`)
	if err != nil {
		return fmt.Errorf("postgres_store.ensure_schema: %w", err)
	}
	return nil
}
