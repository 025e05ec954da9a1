package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("database_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database_store.unsupported_no_scheme")
)

// DatabaseStore persists users, accounts, and sessions using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID            string `gorm:"column:id;primaryKey"`
	Email         string `gorm:"column:email;uniqueIndex;not null"`
	Name          string `gorm:"column:name;not null;default:''"`
	Image         string `gorm:"column:image;not null;default:''"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{ID: record.ID, Email: record.Email, Name: record.Name, Image: record.Image}
}

type accountRecord struct {
	Provider            string `gorm:"column:provider;primaryKey"`
	ProviderAccountID   string `gorm:"column:provider_account_id;primaryKey"`
	ProviderAccountName string `gorm:"column:provider_account_name;not null;default:''"`
	UserID              string `gorm:"column:user_id;index;not null"`
	CreatedAtUnix       int64  `gorm:"column:created_at_unix;not null"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

type sessionRecord struct {
	TokenHash   string `gorm:"column:token_hash;primaryKey"`
	UserID      string `gorm:"column:user_id;index;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;index;not null"`
}

func (sessionRecord) TableName() string {
	return "sessions"
}

// NewDatabaseStore opens databaseURL (postgres:// or sqlite://) and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, poolErr := gormDB.DB()
		if poolErr != nil {
			return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, poolErr)
		}
		// SQLite allows a single writer; one connection queues concurrent transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &accountRecord{}, &sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("database_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindAccountByProviderKey returns the account for (provider, providerAccountID).
func (store *DatabaseStore) FindAccountByProviderKey(ctx context.Context, provider string, providerAccountID string) (Account, error) {
	var record accountRecord
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("database_store.find_account.%s: %w", store.driverLabel, ErrAccountNotFound)
		}
		return Account{}, store.storageError("find_account", err)
	}
	return Account{
		Provider:            record.Provider,
		ProviderAccountID:   record.ProviderAccountID,
		ProviderAccountName: record.ProviderAccountName,
		UserID:              record.UserID,
	}, nil
}

// FindUserByID returns the user with userID.
func (store *DatabaseStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	return store.findUser(ctx, "find_user", "id = ?", userID)
}

// FindUserByEmail returns the user registered with email.
func (store *DatabaseStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return store.findUser(ctx, "find_user_by_email", "email = ?", email)
}

func (store *DatabaseStore) findUser(ctx context.Context, operation string, condition string, value string) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where(condition, value).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("database_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
		}
		return User{}, store.storageError(operation, err)
	}
	return record.toUser(), nil
}

// UpsertUserWithAccount inserts the user and account with ON CONFLICT DO NOTHING
// inside one transaction and returns the account's owner, so concurrent callbacks
// for the same identity converge on a single user and account.
func (store *DatabaseStore) UpsertUserWithAccount(ctx context.Context, account NewAccount) (User, error) {
	var owner userRecord
	nowUnix := time.Now().UTC().Unix()
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := userRecord{
			ID:            uuid.NewString(),
			Email:         account.Email,
			Name:          account.ProviderAccountName,
			Image:         account.Image,
			CreatedAtUnix: nowUnix,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).Create(&candidate).Error; err != nil {
			return err
		}
		if err := tx.Where("email = ?", account.Email).Take(&owner).Error; err != nil {
			return err
		}

		link := accountRecord{
			Provider:            account.Provider,
			ProviderAccountID:   account.ProviderAccountID,
			ProviderAccountName: account.ProviderAccountName,
			UserID:              owner.ID,
			CreatedAtUnix:       nowUnix,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_account_id"}},
			DoNothing: true,
		}).Create(&link).Error; err != nil {
			return err
		}

		var stored accountRecord
		if err := tx.Where("provider = ? AND provider_account_id = ?", account.Provider, account.ProviderAccountID).
			Take(&stored).Error; err != nil {
			return err
		}
		if stored.UserID != owner.ID {
			return tx.Where("id = ?", stored.UserID).Take(&owner).Error
		}
		return nil
	})
	if err != nil {
		return User{}, store.storageError("upsert_user", err)
	}
	return owner.toUser(), nil
}

// CreateSession stores record.
func (store *DatabaseStore) CreateSession(ctx context.Context, record SessionRecord) error {
	row := sessionRecord{
		TokenHash:   record.TokenHash,
		UserID:      record.UserID,
		ExpiresUnix: record.ExpiresAt.Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return store.storageError("create_session", err)
	}
	return nil
}

// FindSessionByTokenHash returns the session stored under tokenHash.
func (store *DatabaseStore) FindSessionByTokenHash(ctx context.Context, tokenHash string) (SessionRecord, error) {
	var row sessionRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, fmt.Errorf("database_store.find_session.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return SessionRecord{}, store.storageError("find_session", err)
	}
	return SessionRecord{
		TokenHash: row.TokenHash,
		UserID:    row.UserID,
		ExpiresAt: time.Unix(row.ExpiresUnix, 0).UTC(),
	}, nil
}

// UpdateSessionExpiry sets a new expiry on an existing session in a single statement.
func (store *DatabaseStore) UpdateSessionExpiry(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	result := store.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("token_hash = ?", tokenHash).
		Update("expires_unix", expiresAt.Unix())
	if result.Error != nil {
		return store.storageError("update_session", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("database_store.update_session.%s: %w", store.driverLabel, ErrSessionNotFound)
	}
	return nil
}

// DeleteSession removes the session stored under tokenHash, if any.
func (store *DatabaseStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := store.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Delete(&sessionRecord{}).Error; err != nil {
		return store.storageError("delete_session", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired at or before now.
func (store *DatabaseStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix <= ?", now.Unix()).Delete(&sessionRecord{})
	if result.Error != nil {
		return 0, store.storageError("sweep_sessions", result.Error)
	}
	return result.RowsAffected, nil
}

func (store *DatabaseStore) storageError(operation string, err error) error {
	return fmt.Errorf("database_store.%s.%s: %w: %w", operation, store.driverLabel, ErrStorage, err)
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

const sqliteBusyTimeoutPragma = "_pragma=busy_timeout(5000)"

// buildSQLiteDSN converts a sqlite URL to a driver DSN and adds a busy timeout
// unless the URL sets one.
func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	query := parsed.RawQuery
	if !strings.Contains(query, "busy_timeout") {
		if query != "" {
			query += "&"
		}
		query += sqliteBusyTimeoutPragma
	}
	builder.WriteString("?")
	builder.WriteString(query)
	return builder.String(), nil
}

var _ Store = (*DatabaseStore)(nil)
