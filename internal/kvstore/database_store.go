package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL    = errors.New("kvstore.empty_database_url")
	errSQLiteEmptyPath     = errors.New("kvstore.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("kvstore.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("kvstore.unsupported_no_scheme")
)

// DatabaseStore persists entries in a single table through GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type entryRecord struct {
	EntryKey      string `gorm:"column:entry_key;primaryKey"`
	Value         []byte `gorm:"column:value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (entryRecord) TableName() string {
	return "kv_entries"
}

// NewDatabaseStore opens a postgres:// or sqlite:// database and migrates the entries table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("kvstore.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("kvstore.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&entryRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("kvstore.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Get loads the value stored under key.
func (store *DatabaseStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("kvstore.get.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	var record entryRecord
	err := store.db.WithContext(ctx).Where("entry_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("kvstore.get.%s: %w", store.driverLabel, ErrKeyNotFound)
		}
		return nil, fmt.Errorf("kvstore.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, nil
}

// Set upserts the value stored under key.
func (store *DatabaseStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kvstore.set.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	record := entryRecord{
		EntryKey:      key,
		Value:         cloneBytes(value),
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("kvstore.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Clear deletes every row of the entries table.
func (store *DatabaseStore) Clear(ctx context.Context) error {
	result := store.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&entryRecord{})
	if result.Error != nil {
		return fmt.Errorf("kvstore.clear.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// Keys lists stored keys in ascending order.
func (store *DatabaseStore) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	if err := store.db.WithContext(ctx).Model(&entryRecord{}).Order("entry_key").Pluck("entry_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("kvstore.keys.%s: %w", store.driverLabel, err)
	}
	return keys, nil
}

// Close closes the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("kvstore.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("kvstore.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("kvstore.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("kvstore.sqlite: %w", dsnErr)
		}
		if dirErr := ensureSQLiteDirectory(dsn); dirErr != nil {
			return nil, "", fmt.Errorf("kvstore.sqlite: %w", dirErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("kvstore.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

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
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

func ensureSQLiteDirectory(dsn string) error {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	path := dsn
	if queryIndex := strings.Index(path, "?"); queryIndex >= 0 {
		path = path[:queryIndex]
	}
	directory := filepath.Dir(path)
	if directory == "." || directory == "" {
		return nil
	}
	return os.MkdirAll(directory, 0o700)
}
