// Package apply implements the idempotent redo/undo engine: replaying
// operations against the differential state during recovery or secondary
// catch-up, and rolling back false progress in reverse commit order.
package apply

import (
	"context"
	"fmt"
	"sync"

	"github.com/microsoft/go-tstore/pkg/differential"
	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/snapshotset"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// Context identifies why an operation is being applied, which governs
// whether idempotent-skip is allowed.
type Context int

const (
	// Normal is a fresh write on the primary; always applied.
	Normal Context = iota

	// SecondaryRedo replays an operation a secondary received from the
	// replicator, possibly more than once.
	SecondaryRedo

	// RecoveryRedo replays an operation from a durable log during
	// restart recovery, possibly more than once.
	RecoveryRedo
)

// Operation is one redoable/undoable unit: a single version written at Vsn
// for Key, with enough of the prior state to undo it.
type Operation struct {
	Vsn      uint64
	Key      types.Comparable
	Kind     version.Kind
	Value    types.Value
	PrevKind version.Kind
	Prev     types.Value
	PrevVsn  uint64
	HadPrev  bool
}

// Engine applies and undoes operations against a differential generation,
// enforcing the idempotency rule: a redo is skipped as a no-op only when
// ctx is SecondaryRedo or RecoveryRedo, the metadata table is not in legacy
// format, and op.Vsn is already covered by the last checkpoint.
type Engine struct {
	mu            sync.RWMutex
	diff          *differential.Differential
	checkpointLSN uint64
	legacyFormat  bool

	handler   replicator.ChangeHandler
	snapshots *snapshotset.Set
}

// New creates an apply engine bound to a differential generation and the
// checkpoint LSN/legacy-format state of the current metadata table.
// snapshots may be nil, which disables displacement tracking (only
// acceptable for tests that never need snapshot-isolated reads older than
// the differential's own ≤2-version window).
func New(diff *differential.Differential, checkpointLSN uint64, legacyFormat bool, handler replicator.ChangeHandler, snapshots *snapshotset.Set) *Engine {
	return &Engine{diff: diff, checkpointLSN: checkpointLSN, legacyFormat: legacyFormat, handler: handler, snapshots: snapshots}
}

// SetCheckpointLSN updates the watermark used by the idempotency check,
// called after a checkpoint completes and advances it. Safe to call
// concurrently with Apply/Undo.
func (e *Engine) SetCheckpointLSN(lsn uint64, legacyFormat bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpointLSN = lsn
	e.legacyFormat = legacyFormat
}

// Rebind points the engine at a new differential generation, called after
// a checkpoint's Prepare phase swaps one in. Apply calls already writing
// into the old generation finish before Rebind returns; calls starting
// after Rebind returns write into the new one.
func (e *Engine) Rebind(diff *differential.Differential) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.diff = diff
}

func (e *Engine) currentDiff() *differential.Differential {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.diff
}

// idempotentSkip reports whether op has already been durably captured by
// the last checkpoint and may be safely skipped on redelivery. Applies
// per-operation, not per-batch: one already-covered key in a batch does not
// cause its still-uncovered neighbors to be skipped.
func (e *Engine) idempotentSkip(op Operation, ctx Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.legacyFormat {
		return false
	}
	if ctx != SecondaryRedo && ctx != RecoveryRedo {
		return false
	}
	return op.Vsn <= e.checkpointLSN
}

// recordDisplacement pushes a key's about-to-be-overwritten "previous"
// version into the snapshot set before Put drops it: differential.Put
// keeps only the current and immediately-previous version per key, so a
// third write silently discards whichever version occupied the previous
// slot. A snapshot-isolated reader whose visibility VSN falls before this
// write but at or after that discarded version's commit still needs to
// find it, via snapshotset.Set.FindVisible.
func (e *Engine) recordDisplacement(diff *differential.Differential, key types.Comparable, vsn uint64) {
	if e.snapshots == nil {
		return
	}
	if _, prev, ok := diff.Get(key); ok && prev != nil {
		e.snapshots.Displace(vsn, key, prev)
	}
}

// Apply redoes a single operation. Idempotent redo contexts skip operations
// already covered by the checkpoint watermark instead of reapplying them.
func (e *Engine) Apply(ctx context.Context, op Operation, applyCtx Context) error {
	if e.idempotentSkip(op, applyCtx) {
		return nil
	}

	// The read lock is held across the write so Rebind waits for it and
	// nothing lands in a generation a checkpoint has already frozen.
	e.mu.RLock()
	diff := e.diff
	e.recordDisplacement(diff, op.Key, op.Vsn)

	entry := version.NewEntry(op.Kind, op.Vsn, op.Value)
	diff.Put(op.Key, entry)
	e.mu.RUnlock()

	if e.handler != nil {
		switch op.Kind {
		case version.Inserted:
			e.handler.OnAdd(op.Key, op.Value, op.Vsn)
		case version.Updated:
			e.handler.OnUpdate(op.Key, op.Prev, op.Value, op.Vsn)
		case version.Deleted:
			e.handler.OnRemove(op.Key, op.Vsn)
		}
	}
	return nil
}

// Undo rolls back ops in reverse order (callers must pass them in commit
// order; Undo reverses internally), restoring each key's pre-transaction
// value at its true original VSN (op.PrevVsn), not the VSN of the
// operation being undone: a restored entry must remain subject to the
// same ConditionalUpdate/ConditionalRemove VSN checks it was before the
// undone write ever landed. An operation with no prior version restores a
// zero-VSN tombstone, representing "this key never existed before this
// transaction" since the differential container has no structural delete.
func (e *Engine) Undo(ctx context.Context, ops []Operation) error {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]

		var restored *version.Entry
		if op.HadPrev {
			restored = version.NewEntry(op.PrevKind, op.PrevVsn, op.Prev)
		} else {
			restored = version.NewEntry(version.Deleted, 0, nil)
		}
		e.currentDiff().Put(op.Key, restored)

		if e.handler != nil {
			e.handler.OnRemove(op.Key, op.Vsn)
		}
	}
	return nil
}

// ApplyBatch applies a batch of operations with the same apply context.
// A failure partway through returns immediately; callers are expected to
// treat the engine's state as unrecoverable for that batch and surface the
// error up to the replicator.
func (e *Engine) ApplyBatch(ctx context.Context, ops []Operation, applyCtx Context) error {
	for _, op := range ops {
		if err := e.Apply(ctx, op, applyCtx); err != nil {
			return fmt.Errorf("apply: operation at vsn %d: %w", op.Vsn, err)
		}
	}
	return nil
}
