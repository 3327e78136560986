// Package payout abstracts native value transfer. The engine treats a
// transfer as all-or-nothing: a failure aborts the surrounding state
// transition.
package payout

import (
	"context"
	"errors"
	"sync"
)

// ErrTransferFailed wraps any outbound transfer failure.
var ErrTransferFailed = errors.New("payout: transfer failed")

// Transferor sends value to an address. Implementations must either
// deliver the full amount or return an error with nothing sent.
type Transferor interface {
	Transfer(ctx context.Context, to string, amount int64) error
}

// MemoryTransferor records transfers in memory. Used in development and
// tests, where the recorded totals feed the conservation checks.
type MemoryTransferor struct {
	mu       sync.RWMutex
	balances map[string]int64
	failFor  map[string]bool
}

// NewMemoryTransferor creates an empty transfer recorder.
func NewMemoryTransferor() *MemoryTransferor {
	return &MemoryTransferor{
		balances: make(map[string]int64),
		failFor:  make(map[string]bool),
	}
}

func (t *MemoryTransferor) Transfer(_ context.Context, to string, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failFor[to] {
		return ErrTransferFailed
	}
	t.balances[to] += amount
	return nil
}

// Balance returns the total amount transferred to an address.
func (t *MemoryTransferor) Balance(to string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[to]
}

// Total returns the sum of all recorded transfers.
func (t *MemoryTransferor) Total() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total int64
	for _, b := range t.balances {
		total += b
	}
	return total
}

// FailTransfersTo makes future transfers to an address fail. Tests use
// this to exercise the rollback path.
func (t *MemoryTransferor) FailTransfersTo(to string, fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failFor[to] = fail
}
