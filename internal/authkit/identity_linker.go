package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/sessiongate/internal/oauthprovider"
	"go.uber.org/zap"
)

// IdentityLinker resolves a normalized provider profile to a local user.
//
// Linking is keyed on email: any provider asserting an address is trusted for
// it, so a second provider reporting the same email is attached to the
// existing user rather than creating a new one.
type IdentityLinker struct {
	store   IdentityStore
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewIdentityLinker constructs an IdentityLinker over store.
func NewIdentityLinker(store IdentityStore, logger *zap.Logger, metrics MetricsRecorder) *IdentityLinker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &IdentityLinker{store: store, logger: logger, metrics: metrics}
}

// LinkOrCreateUser returns the user owning the provider account, creating the
// user and account, or attaching the account to the user with the same email.
func (linker *IdentityLinker) LinkOrCreateUser(ctx context.Context, provider string, profile oauthprovider.Profile) (User, error) {
	existingAccount, err := linker.store.FindAccountByProviderKey(ctx, provider, profile.ProviderAccountID)
	switch {
	case err == nil:
		user, userErr := linker.store.FindUserByID(ctx, existingAccount.UserID)
		if errors.Is(userErr, ErrUserNotFound) {
			linker.logger.Error("account references missing user",
				zap.String("code", "identity.broken_link"),
				zap.String("provider", provider),
				zap.String("user_id", existingAccount.UserID))
			return User{}, fmt.Errorf("identity_linker.%s: %w", provider, ErrBrokenAccountLink)
		}
		if userErr != nil {
			return User{}, fmt.Errorf("identity_linker.find_user: %w", asStorageError(userErr))
		}
		return user, nil
	case !errors.Is(err, ErrAccountNotFound):
		return User{}, fmt.Errorf("identity_linker.find_account: %w", asStorageError(err))
	}

	email := normalizeEmail(profile.Email)
	if email == "" {
		return User{}, fmt.Errorf("identity_linker.%s: %w", provider, ErrMissingEmail)
	}

	_, lookupErr := linker.store.FindUserByEmail(ctx, email)
	existingUser := lookupErr == nil
	if lookupErr != nil && !errors.Is(lookupErr, ErrUserNotFound) {
		return User{}, fmt.Errorf("identity_linker.find_user_by_email: %w", asStorageError(lookupErr))
	}

	user, err := linker.store.UpsertUserWithAccount(ctx, NewAccount{
		Provider:            provider,
		ProviderAccountID:   profile.ProviderAccountID,
		ProviderAccountName: profile.ProviderAccountName,
		Email:               email,
		Image:               profile.Image,
	})
	if err != nil {
		return User{}, fmt.Errorf("identity_linker.upsert: %w", asStorageError(err))
	}

	if existingUser {
		linker.metrics.Increment(metricAccountLinked)
		linker.logger.Info("provider account linked to existing user",
			zap.String("code", "identity.account_linked"),
			zap.String("provider", provider),
			zap.String("user_id", user.ID))
	} else {
		linker.metrics.Increment(metricUserCreated)
		linker.logger.Info("user created",
			zap.String("code", "identity.user_created"),
			zap.String("provider", provider),
			zap.String("user_id", user.ID))
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
