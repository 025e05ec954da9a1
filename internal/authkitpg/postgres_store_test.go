package authkitpg

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tyemirov/sessiongate/internal/authkit"
)

const testDatabaseURLEnv = "SESSIONGATE_TEST_POSTGRES_URL"

func TestClassify(t *testing.T) {
	notFound := classify("find_session", pgx.ErrNoRows, authkit.ErrSessionNotFound)
	if !errors.Is(notFound, authkit.ErrSessionNotFound) || errors.Is(notFound, authkit.ErrStorage) {
		t.Fatalf("expected not-found classification, got %v", notFound)
	}
	failure := classify("find_session", errors.New("connection reset"), authkit.ErrSessionNotFound)
	if !errors.Is(failure, authkit.ErrStorage) || errors.Is(failure, authkit.ErrSessionNotFound) {
		t.Fatalf("expected storage classification, got %v", failure)
	}
}

func TestBuildPoolRejectsMalformedURL(t *testing.T) {
	if _, err := BuildPool(context.Background(), "postgres://%zz"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	databaseURL := os.Getenv(testDatabaseURLEnv)
	if databaseURL == "" {
		t.Skipf("%s not set", testDatabaseURLEnv)
	}
	ctx := context.Background()
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewPostgresStore(pool)
}

func TestPostgresStoreConcurrentUpsertConverges(t *testing.T) {
	store := newIntegrationStore(t)
	suffix := uuid.NewString()
	account := authkit.NewAccount{
		Provider:          "github",
		ProviderAccountID: "acct-" + suffix,
		Email:             suffix + "@example.com",
	}

	const attempts = 8
	userIDs := make([]string, attempts)
	errs := make([]error, attempts)
	var waitGroup sync.WaitGroup
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			user, err := store.UpsertUserWithAccount(context.Background(), account)
			userIDs[slot] = user.ID
			errs[slot] = err
		}(index)
	}
	waitGroup.Wait()
	for index := range userIDs {
		if errs[index] != nil {
			t.Fatalf("attempt %d: %v", index, errs[index])
		}
		if userIDs[index] != userIDs[0] {
			t.Fatalf("attempt %d resolved to %s, expected %s", index, userIDs[index], userIDs[0])
		}
	}

	linked, err := store.UpsertUserWithAccount(context.Background(), authkit.NewAccount{
		Provider:          "google",
		ProviderAccountID: "g-" + suffix,
		Email:             account.Email,
	})
	if err != nil || linked.ID != userIDs[0] {
		t.Fatalf("expected cross-provider link to %s, got %+v %v", userIDs[0], linked, err)
	}
}

func TestPostgresStoreSessionLifecycle(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	tokenHash := "hash-" + uuid.NewString()

	if err := store.CreateSession(ctx, authkit.SessionRecord{TokenHash: tokenHash, UserID: "user-1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	extended := now.Add(24 * time.Hour)
	if err := store.UpdateSessionExpiry(ctx, tokenHash, extended); err != nil {
		t.Fatalf("update: %v", err)
	}
	record, err := store.FindSessionByTokenHash(ctx, tokenHash)
	if err != nil || !record.ExpiresAt.Equal(extended) {
		t.Fatalf("unexpected record %+v %v", record, err)
	}
	if err := store.DeleteSession(ctx, tokenHash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.FindSessionByTokenHash(ctx, tokenHash); !errors.Is(err, authkit.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.UpdateSessionExpiry(ctx, tokenHash, extended); !errors.Is(err, authkit.ErrSessionNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}
