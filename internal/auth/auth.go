// Package auth abstracts the external access/role system: an admin
// check for configuration entry points and a pausability switch that
// blocks all state-changing calls.
package auth

import (
	"errors"
	"sync"
)

var (
	// ErrNotAdmin is returned when a non-admin calls an admin entry point.
	ErrNotAdmin = errors.New("auth: caller is not an admin")

	// ErrPaused is returned while the pausability switch is engaged.
	ErrPaused = errors.New("auth: engine is paused")
)

// Guard gates admin-only calls and exposes the pause switch. The engine
// checks it before mutating state; it never mutates the guard itself.
type Guard interface {
	IsAdmin(address string) bool
	Paused() bool
}

// MemoryGuard is an in-memory Guard for development and tests.
type MemoryGuard struct {
	mu     sync.RWMutex
	admins map[string]bool
	paused bool
}

// NewMemoryGuard creates a guard with the given admin addresses.
func NewMemoryGuard(admins ...string) *MemoryGuard {
	g := &MemoryGuard{admins: make(map[string]bool, len(admins))}
	for _, a := range admins {
		g.admins[a] = true
	}
	return g
}

func (g *MemoryGuard) IsAdmin(address string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.admins[address]
}

func (g *MemoryGuard) Paused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// SetPaused flips the pausability switch.
func (g *MemoryGuard) SetPaused(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = paused
}
