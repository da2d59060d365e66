package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/microsoft/go-tstore/pkg/apply"
	tstoreerrors "github.com/microsoft/go-tstore/pkg/errors"
	"github.com/microsoft/go-tstore/pkg/txn"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// Txn is a caller's handle on one transaction against a Store. It is a
// thin wrapper over pkg/txn.Transaction that additionally tracks which
// locks it is holding and which operations it has committed so it can
// undo them, named distinctly from the wrapped type to avoid colliding
// with Store's own Close method set.
type Txn struct {
	store *Store
	inner *txn.Transaction

	mu           sync.Mutex
	released     []func()
	ops          []apply.Operation
	done         bool
	snapshotPins func()
}

// Begin starts a transaction at the given isolation level, capturing a
// fixed visibility VSN for Snapshot/RepeatableRead or leaving ReadCommitted
// to re-resolve it on every operation.
func (s *Store) Begin(ctx context.Context, level txn.IsolationLevel) (*Txn, error) {
	leave, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	vis, err := s.repl.VisibilityVSN(ctx)
	if err != nil {
		return nil, err
	}

	t := txn.New(level, s.registry)
	t.Begin(vis)

	out := &Txn{store: s, inner: t}
	if level == txn.Snapshot || level == txn.RepeatableRead {
		out.snapshotPins = s.snapshots.AcquireReader(vis)
	}
	return out, nil
}

func (t *Txn) refreshIfReadCommitted(ctx context.Context) error {
	if t.inner.Level != txn.ReadCommitted {
		return nil
	}
	vis, err := t.store.repl.VisibilityVSN(ctx)
	if err != nil {
		return err
	}
	t.inner.Refresh(vis)
	return nil
}

func (t *Txn) trackRelease(release func()) {
	t.mu.Lock()
	t.released = append(t.released, release)
	t.mu.Unlock()
}

// acquireRead takes a shared lock on key if this transaction's isolation
// level requires one (RepeatableRead), held until Commit/Close. Snapshot
// and ReadCommitted take no lock at all: Snapshot because its fixed VSN
// is immune to concurrent writers by construction, ReadCommitted because
// it deliberately observes the latest commit on every read.
func (t *Txn) acquireRead(ctx context.Context, key types.Comparable) error {
	if t.inner.Level != txn.RepeatableRead {
		return nil
	}
	release, err := t.store.lockMgr.AcquireShared(ctx, key)
	if err != nil {
		return lockError(ctx, key)
	}
	t.trackRelease(release)
	return nil
}

func (t *Txn) acquireWrite(ctx context.Context, key types.Comparable) (func(), error) {
	release, err := t.store.lockMgr.AcquireExclusive(ctx, key)
	if err != nil {
		return nil, lockError(ctx, key)
	}
	return release, nil
}

// lockError distinguishes a caller-cancelled acquisition from one that ran
// out its deadline. Either way the store is left unmutated and the caller
// retries at transaction scope, never here.
func lockError(ctx context.Context, key types.Comparable) error {
	if ctx.Err() == context.Canceled {
		return &tstoreerrors.CancelledError{Op: fmt.Sprintf("lock %v", key)}
	}
	return &tstoreerrors.TimeoutError{Key: fmt.Sprint(key)}
}

// Get reads key under this transaction's isolation semantics.
func (t *Txn) Get(ctx context.Context, key types.Comparable) (types.Value, uint64, bool, error) {
	if err := t.store.checkReadable(t.inner.Level); err != nil {
		return nil, 0, false, err
	}
	if err := t.refreshIfReadCommitted(ctx); err != nil {
		return nil, 0, false, err
	}
	if err := t.acquireRead(ctx, key); err != nil {
		return nil, 0, false, err
	}

	entry, ok := t.store.lookupVisible(t.inner, key)
	if !ok || entry.IsTombstone() {
		return nil, 0, false, nil
	}
	value, err := t.store.materialize(entry)
	if err != nil {
		return nil, 0, false, err
	}
	return value, entry.Vsn, true, nil
}

// ContainsKey reports whether key currently has a visible, non-tombstone
// version under this transaction.
func (t *Txn) ContainsKey(ctx context.Context, key types.Comparable) (bool, error) {
	_, _, ok, err := t.Get(ctx, key)
	return ok, err
}

func (t *Txn) commitOp(ctx context.Context, op apply.Operation) error {
	t.store.applyMu.RLock()
	eng := t.store.applyEng
	t.store.applyMu.RUnlock()

	if err := eng.Apply(ctx, op, apply.Normal); err != nil {
		return err
	}
	if err := t.store.repl.OnApply(ctx, op.Vsn); err != nil {
		return err
	}

	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
	return nil
}

// Add inserts key with value. It fails with AlreadyExistsError if a
// currently visible, non-tombstone version of key already exists.
func (t *Txn) Add(ctx context.Context, key types.Comparable, value types.Value) (uint64, error) {
	if err := t.store.checkWritable(); err != nil {
		return 0, err
	}

	release, err := t.acquireWrite(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	cur, hadCur := t.store.lookupCurrent(key)
	if hadCur && !cur.IsTombstone() {
		return 0, &tstoreerrors.AlreadyExistsError{Key: fmt.Sprint(key)}
	}

	vsn, err := t.store.repl.CommitLSNNow(ctx)
	if err != nil {
		return 0, err
	}

	op := apply.Operation{Vsn: vsn, Key: key, Kind: version.Inserted, Value: value}
	if hadCur {
		op.HadPrev, op.PrevKind, op.Prev, op.PrevVsn = true, cur.Kind, cur.Value(), cur.Vsn
	}
	if err := t.commitOp(ctx, op); err != nil {
		return 0, err
	}
	return vsn, nil
}

// ConditionalUpdate replaces key's value if its current version is exactly
// expectedVsn. It fails with NotFoundError if key has no current version,
// or ConditionalCheckFailedError if expectedVsn is stale.
func (t *Txn) ConditionalUpdate(ctx context.Context, key types.Comparable, expectedVsn uint64, value types.Value) (uint64, error) {
	if err := t.store.checkWritable(); err != nil {
		return 0, err
	}

	release, err := t.acquireWrite(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	cur, ok := t.store.lookupCurrent(key)
	if !ok || cur.IsTombstone() {
		return 0, &tstoreerrors.NotFoundError{Key: fmt.Sprint(key)}
	}
	if cur.Vsn != expectedVsn {
		return 0, &tstoreerrors.ConditionalCheckFailedError{Key: fmt.Sprint(key), Expected: expectedVsn, Actual: cur.Vsn}
	}

	vsn, err := t.store.repl.CommitLSNNow(ctx)
	if err != nil {
		return 0, err
	}

	op := apply.Operation{
		Vsn: vsn, Key: key, Kind: version.Updated, Value: value,
		HadPrev: true, PrevKind: cur.Kind, Prev: cur.Value(), PrevVsn: cur.Vsn,
	}
	if err := t.commitOp(ctx, op); err != nil {
		return 0, err
	}
	return vsn, nil
}

// ConditionalRemove deletes key if its current version is exactly
// expectedVsn.
func (t *Txn) ConditionalRemove(ctx context.Context, key types.Comparable, expectedVsn uint64) (uint64, error) {
	if err := t.store.checkWritable(); err != nil {
		return 0, err
	}

	release, err := t.acquireWrite(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	cur, ok := t.store.lookupCurrent(key)
	if !ok || cur.IsTombstone() {
		return 0, &tstoreerrors.NotFoundError{Key: fmt.Sprint(key)}
	}
	if cur.Vsn != expectedVsn {
		return 0, &tstoreerrors.ConditionalCheckFailedError{Key: fmt.Sprint(key), Expected: expectedVsn, Actual: cur.Vsn}
	}

	vsn, err := t.store.repl.CommitLSNNow(ctx)
	if err != nil {
		return 0, err
	}

	op := apply.Operation{
		Vsn: vsn, Key: key, Kind: version.Deleted,
		HadPrev: true, PrevKind: cur.Kind, Prev: cur.Value(), PrevVsn: cur.Vsn,
	}
	if err := t.commitOp(ctx, op); err != nil {
		return 0, err
	}
	return vsn, nil
}

// ConditionalGet reads key and reports its current VSN, convenient for
// building a ConditionalUpdate/ConditionalRemove call without a separate
// round trip.
func (t *Txn) ConditionalGet(ctx context.Context, key types.Comparable) (types.Value, uint64, bool, error) {
	return t.Get(ctx, key)
}

// Undo rolls back every operation this transaction has committed, in
// reverse order, and notifies the replicator of each undone VSN. Used
// during false-progress recovery, when the replicator discovers that
// operations it previously applied never reached quorum.
func (t *Txn) Undo(ctx context.Context) error {
	t.mu.Lock()
	ops := append([]apply.Operation(nil), t.ops...)
	t.mu.Unlock()

	t.store.applyMu.RLock()
	eng := t.store.applyEng
	t.store.applyMu.RUnlock()

	if err := eng.Undo(ctx, ops); err != nil {
		return err
	}
	for i := len(ops) - 1; i >= 0; i-- {
		if err := t.store.repl.OnUndo(ctx, ops[i].Vsn); err != nil {
			return err
		}
	}
	return nil
}

// Commit finalizes the transaction. Operations are already durable and
// visible the moment each Add/ConditionalUpdate/ConditionalRemove call
// returns, so Commit's job is to release this transaction's held locks
// and unregister its snapshot so the merge/sweep engines can advance
// past it.
func (t *Txn) Commit(ctx context.Context) error {
	return t.Close()
}

// Close releases every lock this transaction still holds and unregisters
// it from the store's active-transaction registry. Safe to call more than
// once.
func (t *Txn) Close() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	released := t.released
	t.released = nil
	pins := t.snapshotPins
	t.snapshotPins = nil
	t.mu.Unlock()

	for _, release := range released {
		release()
	}
	if pins != nil {
		pins()
	}
	t.inner.Close()
	return nil
}
