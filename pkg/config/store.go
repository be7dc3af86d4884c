package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the live configuration and swaps it atomically on reload.
// Readers call Current on every use so reloaded tiers and feature flags
// take effect without restarts.
type Store struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewStore loads path with environment overrides.
func NewStore(path string) (*Store, error) {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// NewStoreFromConfig wraps an already loaded configuration. Reload is a
// no-op on such a store.
func NewStoreFromConfig(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the active configuration. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Path returns the file the store was loaded from.
func (s *Store) Path() string {
	return s.path
}

// OnChange registers fn to run after each successful reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the file. On failure the active configuration is kept.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	cfg, err := LoadConfigWithEnvOverrides(s.path)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	s.current.Store(cfg)

	s.mu.Lock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}
