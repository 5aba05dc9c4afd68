package persistence

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nerrad567/udmi-device/internal/udmi"
)

// EndpointStore manages the three endpoint tiers on top of a Backend.
type EndpointStore struct {
	backend Backend
	logger  Logger
	mu      sync.Mutex
}

// EndpointOption configures an EndpointStore.
type EndpointOption func(*EndpointStore)

// WithEndpointLogger sets the logger used for unreadable records.
func WithEndpointLogger(l Logger) EndpointOption {
	return func(s *EndpointStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewEndpointStore wraps backend.
func NewEndpointStore(backend Backend, opts ...EndpointOption) *EndpointStore {
	s := &EndpointStore{backend: backend, logger: noopLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying key/value backend.
func (s *EndpointStore) Backend() Backend {
	return s.backend
}

func (s *EndpointStore) set(key string, e udmi.EndpointConfiguration) error {
	v, err := e.MarshalString()
	if err != nil {
		return err
	}
	return s.backend.Save(key, v)
}

func (s *EndpointStore) get(key string) (udmi.EndpointConfiguration, error) {
	v, err := s.backend.Load(key)
	if err != nil {
		return udmi.EndpointConfiguration{}, err
	}
	return udmi.ParseEndpoint([]byte(v))
}

// SetActive records e as the active endpoint.
func (s *EndpointStore) SetActive(e udmi.EndpointConfiguration) error {
	return s.set(KeyActiveEndpoint, e)
}

// SetBackup records e as the backup endpoint.
func (s *EndpointStore) SetBackup(e udmi.EndpointConfiguration) error {
	return s.set(KeyBackupEndpoint, e)
}

// SetSiteDefault records the endpoint from the site configuration.
func (s *EndpointStore) SetSiteDefault(e udmi.EndpointConfiguration) error {
	return s.set(KeySiteEndpoint, e)
}

// ClearActive removes the active endpoint.
func (s *EndpointStore) ClearActive() error { return s.backend.Delete(KeyActiveEndpoint) }

// ClearBackup removes the backup endpoint.
func (s *EndpointStore) ClearBackup() error { return s.backend.Delete(KeyBackupEndpoint) }

// ClearSiteDefault removes the site-default endpoint.
func (s *EndpointStore) ClearSiteDefault() error { return s.backend.Delete(KeySiteEndpoint) }

// GetEffectiveEndpoint returns Active, else Backup, else Site default.
func (s *EndpointStore) GetEffectiveEndpoint() (udmi.EndpointConfiguration, error) {
	for _, key := range []string{KeyActiveEndpoint, KeyBackupEndpoint, KeySiteEndpoint} {
		e, err := s.get(key)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return udmi.EndpointConfiguration{}, fmt.Errorf("reading %s: %w", key, err)
		}
	}
	return udmi.EndpointConfiguration{}, ErrNoEffectiveEndpoint
}

// Promote makes next the active endpoint and demotes the current active one
// to backup, so a failed redirect can fall back.
func (s *EndpointStore) Promote(next udmi.EndpointConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.get(KeyActiveEndpoint)
	switch {
	case err == nil:
		if err := s.SetBackup(current); err != nil {
			return fmt.Errorf("demoting active endpoint: %w", err)
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return s.SetActive(next)
}

// RestartCount returns the persisted restart counter. An absent or
// unreadable counter reads as zero; the latter is logged.
func (s *EndpointStore) RestartCount() int {
	v, err := s.backend.Load(KeyRestartCount)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("loading restart counter", "key", KeyRestartCount, "error", err)
		}
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.logger.Error("restart counter unreadable, resetting", "key", KeyRestartCount, "value", v, "error", err)
		return 0
	}
	return n
}

// IncrementRestartCount bumps and returns the restart counter.
func (s *EndpointStore) IncrementRestartCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.RestartCount() + 1
	if err := s.backend.Save(KeyRestartCount, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}
