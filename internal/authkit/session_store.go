package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SessionOptions configures session lifetimes.
type SessionOptions struct {
	TTL           time.Duration
	RenewalWindow time.Duration
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
}

// SessionStore issues, validates, renews, and invalidates opaque session tokens.
// Only the token hash ever reaches the repository.
type SessionStore struct {
	repository    SessionRepository
	users         IdentityStore
	ttl           time.Duration
	renewalWindow time.Duration
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(repository SessionRepository, users IdentityStore, options SessionOptions) *SessionStore {
	ttl := options.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	renewalWindow := options.RenewalWindow
	if renewalWindow <= 0 || renewalWindow >= ttl {
		renewalWindow = ttl / 3
	}
	clock := options.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SessionStore{
		repository:    repository,
		users:         users,
		ttl:           ttl,
		renewalWindow: renewalWindow,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
	}
}

// CreateSession issues a new session for userID. The returned Session is the
// only place the raw token is exposed.
func (store *SessionStore) CreateSession(ctx context.Context, userID string) (Session, error) {
	token, tokenHash, err := generateSessionToken()
	if err != nil {
		return Session{}, fmt.Errorf("session_store.create: %w", err)
	}
	expiresAt := store.clock.Now().Add(store.ttl).Truncate(time.Second)
	record := SessionRecord{
		TokenHash: tokenHash,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}
	if err := store.repository.CreateSession(ctx, record); err != nil {
		return Session{}, fmt.Errorf("session_store.create: %w", asStorageError(err))
	}
	store.logger.Info("session created",
		zap.String("code", "session.created"),
		zap.String("user_id", userID),
		zap.Time("expires_at", expiresAt))
	return Session{
		Token:     token,
		TokenHash: tokenHash,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateSessionToken resolves token to a session and user. Missing, expired,
// or orphaned sessions yield an anonymous result rather than an error. Sessions
// inside the renewal window are extended to a full TTL.
func (store *SessionStore) ValidateSessionToken(ctx context.Context, token string) (SessionResult, error) {
	now := store.clock.Now()
	anonymous := SessionResult{Expires: now}
	if strings.TrimSpace(token) == "" {
		return anonymous, nil
	}

	tokenHash := hashOpaque(token)
	record, err := store.repository.FindSessionByTokenHash(ctx, tokenHash)
	if errors.Is(err, ErrSessionNotFound) {
		return anonymous, nil
	}
	if err != nil {
		return anonymous, fmt.Errorf("session_store.validate: %w", asStorageError(err))
	}

	if !now.Before(record.ExpiresAt) {
		if deleteErr := store.repository.DeleteSession(ctx, tokenHash); deleteErr != nil {
			return anonymous, fmt.Errorf("session_store.validate: %w", asStorageError(deleteErr))
		}
		return anonymous, nil
	}

	user, err := store.users.FindUserByID(ctx, record.UserID)
	if errors.Is(err, ErrUserNotFound) {
		store.logger.Warn("session references missing user",
			zap.String("code", "session.orphaned"),
			zap.String("user_id", record.UserID))
		if deleteErr := store.repository.DeleteSession(ctx, tokenHash); deleteErr != nil {
			return anonymous, fmt.Errorf("session_store.validate: %w", asStorageError(deleteErr))
		}
		return anonymous, nil
	}
	if err != nil {
		return anonymous, fmt.Errorf("session_store.validate: %w", asStorageError(err))
	}

	renewed := false
	if !now.Before(record.ExpiresAt.Add(-store.renewalWindow)) {
		extendedExpiry := now.Add(store.ttl).Truncate(time.Second)
		if err := store.repository.UpdateSessionExpiry(ctx, tokenHash, extendedExpiry); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return anonymous, nil
			}
			return anonymous, fmt.Errorf("session_store.renew: %w", asStorageError(err))
		}
		record.ExpiresAt = extendedExpiry
		renewed = true
		store.metrics.Increment(metricSessionRenewed)
		store.logger.Info("session renewed",
			zap.String("code", "session.renewed"),
			zap.String("user_id", record.UserID),
			zap.Time("expires_at", extendedExpiry))
	}

	return SessionResult{
		User:    &user,
		Expires: record.ExpiresAt,
		Session: &Session{
			TokenHash: tokenHash,
			UserID:    record.UserID,
			ExpiresAt: record.ExpiresAt,
		},
		Renewed: renewed,
	}, nil
}

// InvalidateSessionToken deletes the session for token. It is idempotent.
func (store *SessionStore) InvalidateSessionToken(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := store.repository.DeleteSession(ctx, hashOpaque(token)); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("session_store.invalidate: %w", asStorageError(err))
	}
	return nil
}

// SweepExpired removes every session whose expiry has passed.
func (store *SessionStore) SweepExpired(ctx context.Context) (int64, error) {
	removed, err := store.repository.DeleteExpiredSessions(ctx, store.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("session_store.sweep: %w", asStorageError(err))
	}
	return removed, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (store *SessionStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.SweepExpired(ctx)
			if err != nil {
				store.logger.Error("session sweep failed",
					zap.String("code", "session.sweep_failed"),
					zap.Error(err))
				continue
			}
			if removed > 0 {
				store.logger.Info("expired sessions removed",
					zap.String("code", "session.swept"),
					zap.Int64("count", removed))
			}
		}
	}
}

func asStorageError(err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
