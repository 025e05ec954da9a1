package authkit

import (
	"context"
	"time"
)

// IdentityStore persists users and their provider accounts.
type IdentityStore interface {
	FindAccountByProviderKey(ctx context.Context, provider string, providerAccountID string) (Account, error)
	FindUserByID(ctx context.Context, userID string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	// UpsertUserWithAccount atomically ensures a user exists for the email and that
	// the (provider, providerAccountID) account exists, returning the account's owner.
	UpsertUserWithAccount(ctx context.Context, account NewAccount) (User, error)
}

// SessionRepository persists session records keyed by token hash.
type SessionRepository interface {
	CreateSession(ctx context.Context, record SessionRecord) error
	FindSessionByTokenHash(ctx context.Context, tokenHash string) (SessionRecord, error)
	UpdateSessionExpiry(ctx context.Context, tokenHash string, expiresAt time.Time) error
	// DeleteSession removes the record; deleting a missing record is not an error.
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Store is implemented by backends serving both contracts.
type Store interface {
	IdentityStore
	SessionRepository
}
