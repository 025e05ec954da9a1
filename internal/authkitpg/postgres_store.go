package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/sessiongate/internal/authkit"
)

// PostgresStore persists users, accounts, and sessions in PostgreSQL through pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres store. Call EnsureSchema first.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// FindAccountByProviderKey returns the account for (provider, providerAccountID).
func (store *PostgresStore) FindAccountByProviderKey(ctx context.Context, provider string, providerAccountID string) (authkit.Account, error) {
	account := authkit.Account{Provider: provider, ProviderAccountID: providerAccountID}
	row := store.pool.QueryRow(ctx, `
SELECT provider_account_name, user_id
FROM accounts
WHERE provider = $1 AND provider_account_id = $2
`, provider, providerAccountID)
	if err := row.Scan(&account.ProviderAccountName, &account.UserID); err != nil {
		return authkit.Account{}, classify("find_account", err, authkit.ErrAccountNotFound)
	}
	return account, nil
}

// FindUserByID returns the user with userID.
func (store *PostgresStore) FindUserByID(ctx context.Context, userID string) (authkit.User, error) {
	return store.scanUser(ctx, "find_user", `SELECT id, email, name, image FROM users WHERE id = $1`, userID)
}

// FindUserByEmail returns the user registered with email.
func (store *PostgresStore) FindUserByEmail(ctx context.Context, email string) (authkit.User, error) {
	return store.scanUser(ctx, "find_user_by_email", `SELECT id, email, name, image FROM users WHERE email = $1`, email)
}

func (store *PostgresStore) scanUser(ctx context.Context, operation string, query string, argument string) (authkit.User, error) {
	var user authkit.User
	row := store.pool.QueryRow(ctx, query, argument)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Image); err != nil {
		return authkit.User{}, classify(operation, err, authkit.ErrUserNotFound)
	}
	return user, nil
}

// UpsertUserWithAccount claims the email and the provider key with conflict-aware
// inserts in one transaction and returns the owner of the account.
func (store *PostgresStore) UpsertUserWithAccount(ctx context.Context, account authkit.NewAccount) (authkit.User, error) {
	var owner authkit.User
	nowUnix := time.Now().UTC().Unix()
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
INSERT INTO users (id, email, name, image, created_at_unix)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
RETURNING id, email, name, image
`, uuid.NewString(), account.Email, account.ProviderAccountName, account.Image, nowUnix)
		if err := row.Scan(&owner.ID, &owner.Email, &owner.Name, &owner.Image); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO accounts (provider, provider_account_id, provider_account_name, user_id, created_at_unix)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider, provider_account_id) DO NOTHING
`, account.Provider, account.ProviderAccountID, account.ProviderAccountName, owner.ID, nowUnix); err != nil {
			return err
		}

		var linkedUserID string
		if err := tx.QueryRow(ctx, `
SELECT user_id FROM accounts WHERE provider = $1 AND provider_account_id = $2
`, account.Provider, account.ProviderAccountID).Scan(&linkedUserID); err != nil {
			return err
		}
		if linkedUserID == owner.ID {
			return nil
		}
		return tx.QueryRow(ctx, `SELECT id, email, name, image FROM users WHERE id = $1`, linkedUserID).
			Scan(&owner.ID, &owner.Email, &owner.Name, &owner.Image)
	})
	if err != nil {
		return authkit.User{}, classify("upsert_user", err, authkit.ErrUserNotFound)
	}
	return owner, nil
}

// CreateSession stores record.
func (store *PostgresStore) CreateSession(ctx context.Context, record authkit.SessionRecord) error {
	_, err := store.pool.Exec(ctx, `
INSERT INTO sessions (token_hash, user_id, expires_unix)
VALUES ($1, $2, $3)
`, record.TokenHash, record.UserID, record.ExpiresAt.Unix())
	if err != nil {
		return storageError("create_session", err)
	}
	return nil
}

// FindSessionByTokenHash returns the session stored under tokenHash.
func (store *PostgresStore) FindSessionByTokenHash(ctx context.Context, tokenHash string) (authkit.SessionRecord, error) {
	record := authkit.SessionRecord{TokenHash: tokenHash}
	var expiresUnix int64
	row := store.pool.QueryRow(ctx, `
SELECT user_id, expires_unix
FROM sessions
WHERE token_hash = $1
`, tokenHash)
	if err := row.Scan(&record.UserID, &expiresUnix); err != nil {
		return authkit.SessionRecord{}, classify("find_session", err, authkit.ErrSessionNotFound)
	}
	record.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	return record, nil
}

// UpdateSessionExpiry sets a new expiry on an existing session.
func (store *PostgresStore) UpdateSessionExpiry(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE sessions
SET expires_unix = $1
WHERE token_hash = $2
`, expiresAt.Unix(), tokenHash)
	if err != nil {
		return storageError("update_session", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres_store.update_session: %w", authkit.ErrSessionNotFound)
	}
	return nil
}

// DeleteSession removes the session stored under tokenHash, if any.
func (store *PostgresStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if _, err := store.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return storageError("delete_session", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (store *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_unix <= $1`, now.Unix())
	if err != nil {
		return 0, storageError("sweep_sessions", err)
	}
	return tag.RowsAffected(), nil
}

func classify(operation string, err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres_store.%s: %w", operation, notFound)
	}
	return storageError(operation, err)
}

func storageError(operation string, err error) error {
	return fmt.Errorf("postgres_store.%s: %w: %w", operation, authkit.ErrStorage, err)
}

var _ authkit.Store = (*PostgresStore)(nil)
