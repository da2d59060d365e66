package harness

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/wal"
)

// FakeReplicator stands in for the consensus layer a real deployment
// provides: it assigns commit VSNs off a single atomic counter instead of
// a quorum protocol, and commits, undos and checkpoint prepare/complete
// callbacks are logged to a pkg/wal writer so a test can
// recover the sequence of commits/undos/checkpoints a real node's redo log
// would have recorded. There is exactly one writer at a time by
// construction (no replica set). VisibilityVSN reports the latest assigned
// VSN, which can include a commit whose marker append has not returned yet.
type FakeReplicator struct {
	lsn uint64 // atomic

	mu     sync.Mutex
	role   replicator.Role
	status replicator.Status

	w          *wal.WALWriter
	copySource func(ctx context.Context) (replicator.CopyStream, error)
}

// NewFakeReplicator opens (or creates) a WAL at path and starts a fresh
// replicator at VSN startLSN, the value a caller recovers from its own
// metadata table before calling Open.
func NewFakeReplicator(path string, startLSN uint64, opts wal.Options) (*FakeReplicator, error) {
	w, err := wal.NewWALWriter(path, opts)
	if err != nil {
		return nil, fmt.Errorf("harness: open replicator WAL: %w", err)
	}
	return &FakeReplicator{
		lsn:    startLSN,
		role:   replicator.RolePrimary,
		status: replicator.StatusActive,
		w:      w,
	}, nil
}

// RecoverLSN scans path for the highest LSN any entry recorded, for a
// caller that wants to resume a FakeReplicator's counter across a restart
// without also recovering the store's own checkpoint LSN.
func RecoverLSN(path string) (uint64, error) {
	r, err := wal.NewWALReader(path)
	if err != nil {
		return 0, fmt.Errorf("harness: recover replicator LSN: %w", err)
	}
	defer r.Close()

	var max uint64
	for {
		entry, err := r.ReadEntry()
		if err == io.EOF {
			return max, nil
		}
		if err != nil {
			return 0, fmt.Errorf("harness: recover replicator LSN: %w", err)
		}
		if entry.LSN > max {
			max = entry.LSN
		}
		wal.ReleaseEntry(entry)
	}
}

// SetCopySource wires the stream a real OnCopyStream call returns. Store
// and FakeReplicator have a chicken-and-egg construction order (a Store
// needs its Replicator before it exists to hand back a copy stream), so
// tests call this once the primary Store is open.
func (r *FakeReplicator) SetCopySource(fn func(ctx context.Context) (replicator.CopyStream, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copySource = fn
}

// Close flushes and closes the backing WAL.
func (r *FakeReplicator) Close() error {
	return r.w.Close()
}

func (r *FakeReplicator) writeMarker(entryType uint8, lsn uint64) error {
	entry := wal.AcquireEntry()
	defer wal.ReleaseEntry(entry)
	entry.EntryType = entryType
	entry.LSN = lsn
	return r.w.WriteEntry(entry)
}

// CommitLSNNow assigns the next commit VSN and logs it durably before
// returning; a commit is not acknowledged until its marker is on disk.
func (r *FakeReplicator) CommitLSNNow(ctx context.Context) (uint64, error) {
	lsn := atomic.AddUint64(&r.lsn, 1)
	if err := r.writeMarker(wal.EntryCommit, lsn); err != nil {
		return 0, fmt.Errorf("harness: commit lsn %d: %w", lsn, err)
	}
	return lsn, nil
}

// VisibilityVSN returns the latest assigned commit VSN: with a single
// writer there is no replication lag to model.
func (r *FakeReplicator) VisibilityVSN(ctx context.Context) (uint64, error) {
	return atomic.LoadUint64(&r.lsn), nil
}

// RoleAndStatus reports this replicator's current role/status pair.
func (r *FakeReplicator) RoleAndStatus() (replicator.Role, replicator.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role, r.status
}

// SetRole transitions this replicator's role/status the way a real replica
// set driver would after a reconfiguration. It does not call OnChangeRole.
func (r *FakeReplicator) SetRole(ctx context.Context, role replicator.Role, status replicator.Status) error {
	r.mu.Lock()
	r.role, r.status = role, status
	r.mu.Unlock()
	return nil
}

func (r *FakeReplicator) OnPrepareCheckpoint(ctx context.Context, checkpointLSN uint64) error {
	return r.writeMarker(wal.EntryBegin, checkpointLSN)
}

func (r *FakeReplicator) OnPerformCheckpoint(ctx context.Context, checkpointLSN uint64) error {
	return nil
}

func (r *FakeReplicator) OnCompleteCheckpoint(ctx context.Context, checkpointLSN uint64) error {
	return r.writeMarker(wal.EntryCommit, checkpointLSN)
}

func (r *FakeReplicator) OnApply(ctx context.Context, vsn uint64) error {
	return nil
}

func (r *FakeReplicator) OnUndo(ctx context.Context, vsn uint64) error {
	return r.writeMarker(wal.EntryAbort, vsn)
}

func (r *FakeReplicator) OnCopyStream(ctx context.Context) (replicator.CopyStream, error) {
	r.mu.Lock()
	fn := r.copySource
	r.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("harness: no copy source configured")
	}
	return fn(ctx)
}

func (r *FakeReplicator) OnChangeRole(ctx context.Context, newRole replicator.Role) error {
	r.mu.Lock()
	r.role = newRole
	r.mu.Unlock()
	return nil
}

var _ replicator.Replicator = (*FakeReplicator)(nil)
