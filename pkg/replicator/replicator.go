// Package replicator declares the external collaborator contracts the
// store is built against but never implements: replication, locking, key
// comparison, (de)serialization, and change notification. Production
// callers supply real implementations; internal/harness supplies fakes for
// tests.
package replicator

import (
	"context"

	"github.com/microsoft/go-tstore/pkg/types"
)

// Role mirrors a replica's position in its replica set.
type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleSecondary
	RoleIdleSecondary
	RoleNone
)

// Status mirrors a replica's readiness to serve operations.
type Status int

const (
	StatusUnknown Status = iota
	StatusOpening
	StatusActive
	StatusClosing
	StatusFaulted
)

// Replicator is the collaborator that assigns VSNs, tracks visibility, and
// receives callbacks at each phase of the checkpoint protocol and at
// apply/undo/copy time. The store core never decides consensus; it only
// asks this collaborator what it is allowed to do.
type Replicator interface {
	// CommitLSNNow assigns the next commit VSN for a write operation.
	CommitLSNNow(ctx context.Context) (uint64, error)

	// VisibilityVSN returns the VSN up to and including which operations
	// are visible to new readers right now.
	VisibilityVSN(ctx context.Context) (uint64, error)

	RoleAndStatus() (Role, Status)

	// OnPrepareCheckpoint is called synchronously during the Prepare
	// phase, inside the barrier, before the differential swap.
	OnPrepareCheckpoint(ctx context.Context, checkpointLSN uint64) error

	// OnPerformCheckpoint is called during the concurrent Perform phase
	// once the new checkpoint file has been written.
	OnPerformCheckpoint(ctx context.Context, checkpointLSN uint64) error

	// OnCompleteCheckpoint is called after the metadata table's
	// (current, next) pointer pair has been atomically published.
	OnCompleteCheckpoint(ctx context.Context, checkpointLSN uint64) error

	// OnApply is called once per redo operation as it is applied.
	OnApply(ctx context.Context, vsn uint64) error

	// OnUndo is called once per operation rolled back during
	// false-progress recovery, in reverse commit order.
	OnUndo(ctx context.Context, vsn uint64) error

	// OnCopyStream is invoked during a copy/bootstrap operation to hand
	// the receiving replica a stream of the current checkpoint state.
	OnCopyStream(ctx context.Context) (CopyStream, error)

	// OnChangeRole is invoked whenever this replica's role transitions,
	// so the store can switch between writable/read-only/unavailable
	// behavior.
	OnChangeRole(ctx context.Context, newRole Role) error
}

// CopyStream yields the ordered key/value pairs a secondary needs to
// bootstrap from a primary's current consolidated state.
type CopyStream interface {
	Next(ctx context.Context) (key types.Comparable, value types.Value, vsn uint64, ok bool, err error)
	Close() error
}

// LockManager serializes conflicting access to a key under repeatable-read
// isolation. AcquireShared/AcquireExclusive block until granted, ctx
// cancellation, or the deadline encoded by the caller's Timeout error path.
type LockManager interface {
	AcquireShared(ctx context.Context, key types.Comparable) (release func(), err error)
	AcquireExclusive(ctx context.Context, key types.Comparable) (release func(), err error)
}

// KeyComparator orders two keys. It exists so the store can be generic
// over key representations that don't themselves implement
// types.Comparable (e.g. keys deserialized from an external wire format).
type KeyComparator interface {
	Compare(a, b types.Comparable) int
}

// KeySerializer turns a key to and from its on-disk checkpoint-file
// encoding.
type KeySerializer interface {
	SerializeKey(key types.Comparable) ([]byte, error)
	DeserializeKey(data []byte) (types.Comparable, error)
}

// ValueSerializer turns a value to and from its on-disk checkpoint-file
// encoding. It is the hook a caller could use to layer compression without
// the core store knowing about it.
type ValueSerializer interface {
	SerializeValue(value types.Value) ([]byte, error)
	DeserializeValue(data []byte) (types.Value, error)
}

// ChangeHandler receives synchronous notifications of store mutations.
// Callbacks fire within the operation that caused them, never batched.
type ChangeHandler interface {
	OnAdd(key types.Comparable, value types.Value, vsn uint64)
	OnUpdate(key types.Comparable, oldValue, newValue types.Value, vsn uint64)
	OnRemove(key types.Comparable, vsn uint64)

	// OnRebuild fires once after Open recovers at least one live key,
	// given every key currently live, so a handler can rebuild derived
	// state without replaying the whole operation history. It is not
	// called when recovery finds no live key.
	OnRebuild(keys []types.Comparable)
}
