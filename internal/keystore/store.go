package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"filippo.io/age"

	"github.com/nerrad567/udmi-device/internal/infrastructure/fsutil"
)

const keyPerm = 0o600

// Store persists a single private key.
type Store interface {
	SaveKey(pem []byte) error
	LoadKey() ([]byte, error)
	Exists() bool
	Delete() error
	Backup() error
	RestoreFromBackup() error
}

// FileStore keeps the key in a PEM file.
type FileStore struct {
	path      string
	recipient age.Recipient
	identity  age.Identity

	mu sync.Mutex
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore) error

// WithSealedBackup seals backups to the given age X25519 recipient
// ("age1..."). The identity ("AGE-SECRET-KEY-1...") is only needed to
// restore and may be empty.
func WithSealedBackup(recipient, identity string) FileStoreOption {
	return func(s *FileStore) error {
		if recipient != "" {
			r, err := age.ParseX25519Recipient(recipient)
			if err != nil {
				return fmt.Errorf("parsing backup recipient: %w", err)
			}
			s.recipient = r
		}
		if identity != "" {
			id, err := age.ParseX25519Identity(identity)
			if err != nil {
				return fmt.Errorf("parsing backup identity: %w", err)
			}
			s.identity = id
		}
		return nil
	}
}

// NewFileStore returns a store for the key at path.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{path: path}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the key file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) plainBackup() string  { return s.path + ".backup" }
func (s *FileStore) sealedBackup() string { return s.path + ".backup.age" }

// SaveKey atomically replaces the key file.
func (s *FileStore) SaveKey(pem []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.WriteFileAtomic(s.path, pem, keyPerm)
}

// LoadKey returns the PEM bytes, or ErrNotFound.
func (s *FileStore) LoadKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readOrNotFound(s.path)
}

// Exists reports whether the key file is present.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Delete removes the key file. Backups are kept.
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Backup copies the current key aside, sealed when a recipient is set.
func (s *FileStore) Backup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := readOrNotFound(s.path)
	if err != nil {
		return err
	}
	if s.recipient == nil {
		return fsutil.WriteFileAtomic(s.plainBackup(), key, keyPerm)
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, s.recipient)
	if err != nil {
		return fmt.Errorf("sealing key backup: %w", err)
	}
	if _, err := w.Write(key); err != nil {
		return fmt.Errorf("sealing key backup: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sealing key backup: %w", err)
	}
	return fsutil.WriteFileAtomic(s.sealedBackup(), sealed.Bytes(), keyPerm)
}

// RestoreFromBackup puts the backed-up key back in place. A sealed backup
// wins over a plain one when both exist.
func (s *FileStore) RestoreFromBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.sealedBackup())
	switch {
	case err == nil:
		if s.identity == nil {
			return ErrNoIdentity
		}
		r, err := age.Decrypt(bytes.NewReader(sealed), s.identity)
		if err != nil {
			return fmt.Errorf("opening sealed backup: %w", err)
		}
		key, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("opening sealed backup: %w", err)
		}
		return fsutil.WriteFileAtomic(s.path, key, keyPerm)
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	key, err := readOrNotFound(s.plainBackup())
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, key, keyPerm)
}

func readOrNotFound(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

// MemoryStore keeps the key in memory.
type MemoryStore struct {
	mu     sync.Mutex
	key    []byte
	backup []byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// SaveKey stores a copy of pem.
func (m *MemoryStore) SaveKey(pem []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = bytes.Clone(pem)
	return nil
}

// LoadKey returns the key, or ErrNotFound.
func (m *MemoryStore) LoadKey() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(m.key), nil
}

// Exists reports whether a key is held.
func (m *MemoryStore) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key != nil
}

// Delete drops the key.
func (m *MemoryStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = nil
	return nil
}

// Backup snapshots the key.
func (m *MemoryStore) Backup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		return ErrNotFound
	}
	m.backup = bytes.Clone(m.key)
	return nil
}

// RestoreFromBackup restores the snapshot.
func (m *MemoryStore) RestoreFromBackup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backup == nil {
		return ErrNotFound
	}
	m.key = bytes.Clone(m.backup)
	return nil
}
