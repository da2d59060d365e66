// Package txn provides the transaction handle and active-transaction
// registry the store uses to track snapshot visibility and the minimum
// VSN still referenced by an open reader or writer.
package txn

import (
	"sync"

	"github.com/google/uuid"
)

// IsolationLevel selects how a transaction computes visibility.
type IsolationLevel int

const (
	// ReadCommitted re-captures the visibility VSN on every read; no
	// shared locks are taken.
	ReadCommitted IsolationLevel = iota

	// RepeatableRead captures the visibility VSN once, when the
	// transaction begins (not at its first read), and holds shared locks
	// on every key it reads for the lifetime of the transaction.
	RepeatableRead

	// Snapshot captures the visibility VSN once, when the transaction
	// begins (not at its first read), and takes no locks. Reads are fully repeatable without blocking
	// concurrent writers.
	Snapshot
)

// Transaction is a single caller's view into the store: either a fixed
// snapshot VSN (RepeatableRead/Snapshot) or a moving one (ReadCommitted).
type Transaction struct {
	ID    uuid.UUID
	Level IsolationLevel

	mu         sync.Mutex
	snapshot   uint64
	hasSnap    bool
	registry   *Registry
	registered bool
}

// New creates a transaction handle at the given isolation level. It has no
// visibility VSN until Begin is called; before that IsVisible reports false.
func New(level IsolationLevel, registry *Registry) *Transaction {
	return &Transaction{
		ID:       uuid.New(),
		Level:    level,
		registry: registry,
	}
}

// Begin captures the snapshot VSN and registers the transaction as active
// so the registry's minimum active VSN accounts for it. For ReadCommitted
// the captured VSN is only a starting point; Refresh moves it forward on
// every read.
func (t *Transaction) Begin(visibilityVSN uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot = visibilityVSN
	t.hasSnap = true
	if t.registry != nil && !t.registered {
		t.registry.register(t)
		t.registered = true
	}
}

// SnapshotVSN returns the fixed visibility VSN for RepeatableRead/Snapshot
// transactions. For ReadCommitted it returns the last VSN set by
// Begin/Refresh.
func (t *Transaction) SnapshotVSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// Refresh re-captures the visibility VSN for a ReadCommitted transaction.
// It is a no-op for the other isolation levels.
func (t *Transaction) Refresh(visibilityVSN uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Level == ReadCommitted {
		t.snapshot = visibilityVSN
		t.hasSnap = true
	}
}

// IsVisible reports whether a version committed at createVSN is visible to
// this transaction.
func (t *Transaction) IsVisible(createVSN uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasSnap && createVSN <= t.snapshot
}

// Close unregisters the transaction, letting the registry's minimum active
// VSN advance past it.
func (t *Transaction) Close() {
	t.mu.Lock()
	registered := t.registered
	t.registered = false
	t.mu.Unlock()

	if registered && t.registry != nil {
		t.registry.unregister(t)
	}
}

// Registry tracks every open transaction's snapshot VSN so a checkpoint
// never prunes a snapshot-set version still visible to an open reader.
type Registry struct {
	mu           sync.Mutex
	active       map[*Transaction]struct{}
	minActiveVSN uint64
}

// NewRegistry creates an empty transaction registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[*Transaction]struct{})}
}

func (r *Registry) register(t *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[t] = struct{}{}
	if t.snapshot < r.minActiveVSN || len(r.active) == 1 {
		r.minActiveVSN = t.snapshot
	}
}

func (r *Registry) unregister(t *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, t)
	r.recomputeMinLocked()
}

func (r *Registry) recomputeMinLocked() {
	if len(r.active) == 0 {
		r.minActiveVSN = 0
		return
	}
	min := uint64(0)
	first := true
	for tx := range r.active {
		if first || tx.snapshot < min {
			min = tx.snapshot
			first = false
		}
	}
	r.minActiveVSN = min
}

// MinActiveVSN returns the lowest snapshot VSN held by any open
// transaction, or 0 if none are open. The checkpoint pipeline uses it as
// the floor when pruning the snapshot set.
func (r *Registry) MinActiveVSN() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minActiveVSN
}

// ActiveCount reports how many transactions are currently registered.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
