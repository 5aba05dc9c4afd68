package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/nerrad567/udmi-device/internal/infrastructure/fsutil"
)

const filePerm = 0o600

// FileBackend persists the whole key set as one JSON object. Every mutation
// rewrites the file with the atomic protocol while holding both the
// in-process mutex and the cross-process flock.
type FileBackend struct {
	path   string
	logger Logger

	mu    sync.RWMutex
	cache map[string]string
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithLogger sets the logger used for corruption and write failures.
func WithLogger(l Logger) FileOption {
	return func(b *FileBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewFileBackend opens path, creating nothing until the first Save. A file
// that cannot be parsed is copied to "<path>.corrupt" and the backend starts
// empty; only an unreadable file (permissions, I/O) is an error.
func NewFileBackend(path string, opts ...FileOption) (*FileBackend, error) {
	b := &FileBackend{
		path:   path,
		logger: noopLogger{},
		cache:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &b.cache); err != nil || b.cache == nil {
		b.quarantine(data, err)
		b.cache = make(map[string]string)
	}
	return b, nil
}

func (b *FileBackend) quarantine(data []byte, cause error) {
	corrupt := b.path + ".corrupt"
	if err := fsutil.WriteFileAtomic(corrupt, data, filePerm); err != nil {
		b.logger.Error("failed to preserve corrupt persistence file",
			"path", b.path, "error", err)
	}
	b.logger.Error("persistence file corrupt, starting empty",
		"path", b.path, "copy", corrupt, "error", cause)
}

// Path returns the backing file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Save stores value under key and flushes to disk.
func (b *FileBackend) Save(key, value string) error {
	return b.mutate(func(m map[string]string) { m[key] = value })
}

// Delete removes key and flushes to disk.
func (b *FileBackend) Delete(key string) error {
	return b.mutate(func(m map[string]string) { delete(m, key) })
}

// Load returns the cached value under key, or ErrNotFound.
func (b *FileBackend) Load(key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.cache[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Exists reports whether key is present.
func (b *FileBackend) Exists(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.cache[key]
	return ok
}

// mutate applies fn to a copy of the cache, writes it, and only then swaps
// it in, so a failed write leaves memory and disk in agreement.
func (b *FileBackend) mutate(fn func(map[string]string)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, err := fsutil.Lock(b.path)
	if err != nil {
		return err
	}
	defer lock.Unlock() //nolint:errcheck // released on close anyway

	next := make(map[string]string, len(b.cache)+1)
	for k, v := range b.cache {
		next[k] = v
	}
	fn(next)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding persistence document: %w", err)
	}
	if err := fsutil.WriteFileAtomic(b.path, data, filePerm); err != nil {
		b.logger.Error("persistence write failed", "path", b.path, "error", err)
		return err
	}
	b.cache = next
	return nil
}

// Backup snapshots the raw file to "<path>.bak".
func (b *FileBackend) Backup() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := fsutil.CopyFile(b.path, b.path+".bak", filePerm); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, b.path)
		}
		return fmt.Errorf("backing up %s: %w", b.path, err)
	}
	return nil
}

// RestoreFromBackup replaces the file and cache with the "<path>.bak" snapshot.
func (b *FileBackend) RestoreFromBackup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path + ".bak")
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s.bak", ErrNotFound, b.path)
	}
	if err != nil {
		return err
	}
	restored := make(map[string]string)
	if err := json.Unmarshal(data, &restored); err != nil {
		return fmt.Errorf("backup is corrupt: %w", err)
	}
	if err := fsutil.WriteFileAtomic(b.path, data, filePerm); err != nil {
		return err
	}
	b.cache = restored
	return nil
}
