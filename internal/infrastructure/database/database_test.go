package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return db
}

func TestOpen(t *testing.T) {
	t.Run("creates nested directory and file", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "sub", "nested", "kv.db")

		db, err := Open(Config{Path: dbPath, BusyTimeout: 5})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // test cleanup

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
		if db.Path() != dbPath {
			t.Errorf("Path() = %v, want %v", db.Path(), dbPath)
		}
	})
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)
	if err := db.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestCloseNil(t *testing.T) {
	var db *DB
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil DB error = %v, want nil", err)
	}
}

// =============================================================================
// Migration Tests
// =============================================================================

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_first.up.sql":  {Data: []byte("CREATE TABLE a (k TEXT PRIMARY KEY);")},
		"20260102_000000_second.up.sql": {Data: []byte("CREATE TABLE b (k TEXT PRIMARY KEY);")},
		"README.md":                     {Data: []byte("ignored")},
	}
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Re-running must not re-apply (CREATE TABLE would fail).
	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() second run error = %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("applied migrations = %d, want 2", count)
	}
}

func TestMigrateBadSQL(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{"20260101_000000_bad.up.sql": {Data: []byte("NOT SQL")}}
	if err := db.Migrate(context.Background(), fsys); err == nil {
		t.Error("Migrate() with invalid SQL should fail")
	}
}

func TestLoadMigrationsOrder(t *testing.T) {
	ms, err := LoadMigrations(testMigrations())
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("LoadMigrations() = %d migrations, want 2", len(ms))
	}
	if ms[0].Version != "20260101_000000" || ms[0].Name != "first" {
		t.Errorf("first migration = %+v", ms[0])
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		file    string
		version string
		ok      bool
	}{
		{"20260101_000000_kv_store.up.sql", "20260101_000000", true},
		{"20260101_000000.up.sql", "20260101_000000", true},
		{"20260101_000000_kv.down.sql", "", false},
		{"notes.txt", "", false},
		{"single.up.sql", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			v, _, ok := parseMigrationFilename(tt.file)
			if ok != tt.ok || v != tt.version {
				t.Errorf("parseMigrationFilename(%q) = %q, %v; want %q, %v", tt.file, v, ok, tt.version, tt.ok)
			}
		})
	}
}
