package authkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store intended for tests and dev. A single
// mutex makes every operation, including the user/account upsert, atomic.
type MemoryStore struct {
	mutex          sync.Mutex
	usersByID      map[string]User
	userIDsByEmail map[string]string
	accounts       map[accountKey]Account
	sessions       map[string]SessionRecord
}

type accountKey struct {
	provider          string
	providerAccountID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		usersByID:      make(map[string]User),
		userIDsByEmail: make(map[string]string),
		accounts:       make(map[accountKey]Account),
		sessions:       make(map[string]SessionRecord),
	}
}

// FindAccountByProviderKey returns the account for (provider, providerAccountID).
func (store *MemoryStore) FindAccountByProviderKey(ctx context.Context, provider string, providerAccountID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.accounts[accountKey{provider: provider, providerAccountID: providerAccountID}]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

// FindUserByID returns the user with userID.
func (store *MemoryStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// FindUserByEmail returns the user registered with email.
func (store *MemoryStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.userIDsByEmail[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	user, ok := store.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// UpsertUserWithAccount creates or reuses the user for the email and attaches the account.
func (store *MemoryStore) UpsertUserWithAccount(ctx context.Context, account NewAccount) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	key := accountKey{provider: account.Provider, providerAccountID: account.ProviderAccountID}
	if existing, ok := store.accounts[key]; ok {
		if owner, found := store.usersByID[existing.UserID]; found {
			return owner, nil
		}
		return User{}, ErrUserNotFound
	}

	userID, ok := store.userIDsByEmail[account.Email]
	if !ok {
		userID = uuid.NewString()
		store.usersByID[userID] = User{
			ID:    userID,
			Email: account.Email,
			Name:  account.ProviderAccountName,
			Image: account.Image,
		}
		store.userIDsByEmail[account.Email] = userID
	}
	store.accounts[key] = Account{
		Provider:            account.Provider,
		ProviderAccountID:   account.ProviderAccountID,
		ProviderAccountName: account.ProviderAccountName,
		UserID:              userID,
	}
	return store.usersByID[userID], nil
}

// AccountsForUser lists the accounts owned by userID.
func (store *MemoryStore) AccountsForUser(userID string) []Account {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var owned []Account
	for _, account := range store.accounts {
		if account.UserID == userID {
			owned = append(owned, account)
		}
	}
	return owned
}

// DeleteUser removes a user record without touching its accounts or sessions.
// It exists to model storage inconsistencies in tests.
func (store *MemoryStore) DeleteUser(userID string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if user, ok := store.usersByID[userID]; ok {
		delete(store.userIDsByEmail, user.Email)
	}
	delete(store.usersByID, userID)
}

// CreateSession stores record.
func (store *MemoryStore) CreateSession(ctx context.Context, record SessionRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sessions[record.TokenHash] = record
	return nil
}

// FindSessionByTokenHash returns the session stored under tokenHash.
func (store *MemoryStore) FindSessionByTokenHash(ctx context.Context, tokenHash string) (SessionRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.sessions[tokenHash]
	if !ok {
		return SessionRecord{}, ErrSessionNotFound
	}
	return record, nil
}

// UpdateSessionExpiry sets a new expiry on an existing session.
func (store *MemoryStore) UpdateSessionExpiry(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.sessions[tokenHash]
	if !ok {
		return ErrSessionNotFound
	}
	record.ExpiresAt = expiresAt
	store.sessions[tokenHash] = record
	return nil
}

// DeleteSession removes the session stored under tokenHash, if any.
func (store *MemoryStore) DeleteSession(ctx context.Context, tokenHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.sessions, tokenHash)
	return nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (store *MemoryStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var removed int64
	for tokenHash, record := range store.sessions {
		if !now.Before(record.ExpiresAt) {
			delete(store.sessions, tokenHash)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
