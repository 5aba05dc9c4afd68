package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/udmi-device/internal/infrastructure/database"
	"github.com/nerrad567/udmi-device/migrations"
)

const sqliteTimeout = 5 * time.Second

// SQLiteBackend stores keys in the kv_store table.
type SQLiteBackend struct {
	db *database.DB
}

// OpenSQLite opens the database described by cfg and migrates it.
func OpenSQLite(ctx context.Context, cfg database.Config) (*SQLiteBackend, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("migrating %s: %w", cfg.Path, err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// Save upserts value under key.
func (s *SQLiteBackend) Save(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

// Load returns the value under key, or ErrNotFound.
func (s *SQLiteBackend) Load(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", key, err)
	}
	return v, nil
}

// Exists reports whether key is present.
func (s *SQLiteBackend) Exists(key string) bool {
	_, err := s.Load(key)
	return err == nil
}

// Delete removes key.
func (s *SQLiteBackend) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}
