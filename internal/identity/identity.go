// Package identity abstracts the external identity registry. The market
// engine consults it only to resolve a caller address to a stable
// numeric profile id before trades and market creation.
package identity

import (
	"context"
	"errors"
	"sync"
)

// ErrProfileNotFound is returned when an address has no registered profile.
var ErrProfileNotFound = errors.New("identity: profile not found for address")

// Registry resolves addresses to profile ids. Implemented externally;
// the engine never writes to it.
type Registry interface {
	Resolve(ctx context.Context, address string) (uint64, error)
}

// MemoryRegistry is an in-memory Registry for development and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	profiles map[string]uint64
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{profiles: make(map[string]uint64)}
}

// Register maps an address to a profile id. Multiple addresses may map
// to the same profile.
func (r *MemoryRegistry) Register(address string, profileID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[address] = profileID
}

func (r *MemoryRegistry) Resolve(_ context.Context, address string) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.profiles[address]
	if !ok {
		return 0, ErrProfileNotFound
	}
	return id, nil
}
