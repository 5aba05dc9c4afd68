package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte(`{"a":"1"}`), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"a":"2"}`), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() second write error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != `{"a":"2"}` {
		t.Errorf("content = %s, want second write", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}

// A crash between the temp write and the rename leaves a stray temp file but
// the target still holds the previous content.
func TestWriteFileAtomicCrashBeforeRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte(`{"v":"old"}`), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	stray := filepath.Join(dir, ".state.json.tmp-crash")
	if err := os.WriteFile(stray, []byte(`{"v":"ne`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != `{"v":"old"}` {
		t.Errorf("content = %s, want old value intact", data)
	}
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "nope", "f"), []byte("x"), 0o600)
	if err == nil {
		t.Error("WriteFileAtomic() into missing directory should fail")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	if err := os.WriteFile(src, []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst, 0o600); err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "key" {
		t.Errorf("CopyFile() content = %q, want key", got)
	}
}

func TestLockUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	l, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Errorf("Unlock() error = %v", err)
	}
	var nilLock *FileLock
	if err := nilLock.Unlock(); err != nil {
		t.Errorf("Unlock() on nil error = %v", err)
	}
}
