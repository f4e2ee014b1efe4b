// factory.go maps backend names (local, s3, azure, gcs) to their constructors.
package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/audit-ledger/audit-ledger/internal/config"
)

// FactoryFunc builds a backend from the storage configuration
type FactoryFunc func(*config.StorageConfig) (Storage, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Backends returns the registered backend names in sorted order
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the backend selected by cfg.DefaultBackend
func NewStorage(cfg *config.StorageConfig) (Storage, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.DefaultBackend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %q (registered: %v)", cfg.DefaultBackend, Backends())
	}

	return factory(cfg)
}
