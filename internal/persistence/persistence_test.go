package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nerrad567/udmi-device/internal/infrastructure/database"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// =============================================================================
// Backend contract, run against every implementation
// =============================================================================

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fb, err := NewFileBackend(filepath.Join(t.TempDir(), "kv.json"))
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	sb, err := OpenSQLite(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "kv.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { sb.Close() }) //nolint:errcheck // test cleanup
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fb,
		"sqlite": sb,
	}
}

func TestBackendContract(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := b.Load("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
			}
			if b.Exists("k") {
				t.Error("Exists(k) = true before Save")
			}

			if err := b.Save("k", "v1"); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := b.Save("k", "v2"); err != nil {
				t.Fatalf("Save() overwrite error = %v", err)
			}
			got, err := b.Load("k")
			if err != nil || got != "v2" {
				t.Errorf("Load(k) = %q, %v; want v2, nil", got, err)
			}

			if err := b.Delete("k"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if b.Exists("k") {
				t.Error("Exists(k) = true after Delete")
			}
			if err := b.Delete("k"); err != nil {
				t.Errorf("Delete() of absent key error = %v, want nil", err)
			}
		})
	}
}

func TestBackendConcurrentSaves(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := b.Save(fmt.Sprintf("k%d", i), "v"); err != nil {
						t.Errorf("Save() error = %v", err)
					}
				}(i)
			}
			wg.Wait()
			for i := 0; i < 20; i++ {
				if !b.Exists(fmt.Sprintf("k%d", i)) {
					t.Errorf("k%d lost under concurrent saves", i)
				}
			}
		})
	}
}

// =============================================================================
// FileBackend
// =============================================================================

func TestFileBackendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	b, _ := NewFileBackend(path)
	if err := b.Save(KeyRestartCount, "3"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reopened, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend() reopen error = %v", err)
	}
	if v, _ := reopened.Load(KeyRestartCount); v != "3" {
		t.Errorf("Load() after reopen = %q, want 3", v)
	}

	info, _ := os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestFileBackendCorruptionSelfHeals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	garbage := []byte(`{"endpoint.active": "trunc`)
	if err := os.WriteFile(path, garbage, 0o600); err != nil {
		t.Fatal(err)
	}

	logger := &recordingLogger{}
	b, err := NewFileBackend(path, WithLogger(logger))
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v, want nil for corrupt file", err)
	}

	if _, err := b.Load("endpoint.active"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound after reset", err)
	}

	saved, err := os.ReadFile(path + ".corrupt")
	if err != nil {
		t.Fatalf("reading .corrupt copy: %v", err)
	}
	if string(saved) != string(garbage) {
		t.Errorf(".corrupt content = %q, want original bytes", saved)
	}
	if logger.errorCount() == 0 {
		t.Error("corruption was not logged")
	}

	// Writes work again after the reset.
	if err := b.Save("k", "v"); err != nil {
		t.Errorf("Save() after reset error = %v", err)
	}
}

// A crash after writing the temp file but before the rename leaves only a
// stray temp file; reopening sees the previous complete document.
func TestFileBackendCrashMidWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv.json")
	b, _ := NewFileBackend(path)
	if err := b.Save("k", "old"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".kv.json.tmp-123"), []byte(`{"k":"ne`), 0o600); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	if v, _ := reopened.Load("k"); v != "old" {
		t.Errorf("Load(k) = %q, want old", v)
	}
	if _, err := os.Stat(path + ".corrupt"); err == nil {
		t.Error("a clean target must not be quarantined")
	}
}

func TestFileBackendBackupRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	b, _ := NewFileBackend(path)

	if err := b.RestoreFromBackup(); !errors.Is(err, ErrNotFound) {
		t.Errorf("RestoreFromBackup() error = %v, want ErrNotFound", err)
	}

	_ = b.Save("k", "before")
	if err := b.Backup(); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	_ = b.Save("k", "after")

	if err := b.RestoreFromBackup(); err != nil {
		t.Fatalf("RestoreFromBackup() error = %v", err)
	}
	if v, _ := b.Load("k"); v != "before" {
		t.Errorf("Load(k) = %q, want before", v)
	}
}

// =============================================================================
// EndpointStore
// =============================================================================

func endpoint(host string) udmi.EndpointConfiguration {
	return udmi.EndpointConfiguration{Hostname: host, ClientID: "c-" + host, Port: 8883}
}

func TestEffectiveEndpointPriority(t *testing.T) {
	s := NewEndpointStore(NewMemoryBackend())

	if _, err := s.GetEffectiveEndpoint(); !errors.Is(err, ErrNoEffectiveEndpoint) {
		t.Errorf("GetEffectiveEndpoint() error = %v, want ErrNoEffectiveEndpoint", err)
	}

	_ = s.SetSiteDefault(endpoint("site"))
	_ = s.SetBackup(endpoint("backup"))
	_ = s.SetActive(endpoint("active"))

	steps := []struct {
		clear func() error
		want  string
	}{
		{nil, "active"},
		{s.ClearActive, "backup"},
		{s.ClearBackup, "site"},
	}
	for _, step := range steps {
		if step.clear != nil {
			if err := step.clear(); err != nil {
				t.Fatalf("clear error = %v", err)
			}
		}
		got, err := s.GetEffectiveEndpoint()
		if err != nil {
			t.Fatalf("GetEffectiveEndpoint() error = %v", err)
		}
		if got.Hostname != step.want {
			t.Errorf("GetEffectiveEndpoint() = %s, want %s", got.Hostname, step.want)
		}
	}

	_ = s.ClearSiteDefault()
	if _, err := s.GetEffectiveEndpoint(); !errors.Is(err, ErrNoEffectiveEndpoint) {
		t.Errorf("GetEffectiveEndpoint() error = %v, want ErrNoEffectiveEndpoint", err)
	}
}

func TestPromoteDemotesActive(t *testing.T) {
	s := NewEndpointStore(NewMemoryBackend())
	_ = s.SetActive(endpoint("old"))

	if err := s.Promote(endpoint("new")); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	active, _ := s.GetEffectiveEndpoint()
	if active.Hostname != "new" {
		t.Errorf("active = %s, want new", active.Hostname)
	}
	_ = s.ClearActive()
	backup, _ := s.GetEffectiveEndpoint()
	if backup.Hostname != "old" {
		t.Errorf("backup = %s, want old", backup.Hostname)
	}
}

func TestIncrementRestartCount(t *testing.T) {
	s := NewEndpointStore(NewMemoryBackend())
	for want := 1; want <= 3; want++ {
		got, err := s.IncrementRestartCount()
		if err != nil || got != want {
			t.Errorf("IncrementRestartCount() = %d, %v; want %d", got, err, want)
		}
	}
	if s.RestartCount() != 3 {
		t.Errorf("RestartCount() = %d, want 3", s.RestartCount())
	}
}

func TestCorruptRestartCountIsLogged(t *testing.T) {
	backend := NewMemoryBackend()
	if err := backend.Save(KeyRestartCount, "seven"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	logger := &recordingLogger{}
	s := NewEndpointStore(backend, WithEndpointLogger(logger))

	if got := s.RestartCount(); got != 0 {
		t.Errorf("RestartCount() = %d, want 0 for unreadable counter", got)
	}
	if logger.errorCount() == 0 {
		t.Error("unreadable restart counter was not logged")
	}
	if got, err := s.IncrementRestartCount(); err != nil || got != 1 {
		t.Errorf("IncrementRestartCount() = %d, %v; want 1", got, err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

type recordingLogger struct {
	mu   sync.Mutex
	errs int
}

func (l *recordingLogger) Info(string, ...any) {}
func (l *recordingLogger) Warn(string, ...any) {}
func (l *recordingLogger) Error(string, ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs++
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs
}
