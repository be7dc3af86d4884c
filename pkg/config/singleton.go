package config

import (
	"sync"
)

// The process-wide store used by the CLI. Libraries take a *Store or
// *Config explicitly instead.
var (
	globalStore *Store
	globalErr   error
	storeMutex  sync.RWMutex
	initOnce    sync.Once
)

// Initialize loads path with environment overrides into the global store.
// Only the first call loads; later calls return the first call's error, so
// a failed load is never mistaken for success.
func Initialize(path string) error {
	initOnce.Do(func() {
		store, err := NewStore(path)

		storeMutex.Lock()
		globalStore, globalErr = store, err
		storeMutex.Unlock()
	})

	storeMutex.RLock()
	defer storeMutex.RUnlock()
	return globalErr
}

// GlobalStore returns the store created by Initialize, or nil.
func GlobalStore() *Store {
	storeMutex.RLock()
	defer storeMutex.RUnlock()
	return globalStore
}

// GetConfig returns the current global configuration, or nil before a
// successful Initialize.
func GetConfig() *Config {
	if store := GlobalStore(); store != nil {
		return store.Current()
	}
	return nil
}

// SetConfig replaces the global store with one holding cfg. A nil cfg
// clears it. Intended for tests.
func SetConfig(cfg *Config) {
	storeMutex.Lock()
	defer storeMutex.Unlock()

	globalErr = nil
	if cfg == nil {
		globalStore = nil
		return
	}
	globalStore = NewStoreFromConfig(cfg)
}
