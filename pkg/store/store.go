// Package store implements the store façade: a single sorted, versioned
// keyspace layered over a mutable differential generation, an immutable
// consolidated generation, and the snapshot container that keeps
// superseded versions alive for open readers. It wires together
// pkg/differential, pkg/consolidated, pkg/snapshotset, pkg/metadata,
// pkg/pipeline, pkg/apply, pkg/sweep and pkg/txn behind the
// replicator/lock-manager/serializer collaborator contracts declared in
// pkg/replicator.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/microsoft/go-tstore/pkg/apply"
	"github.com/microsoft/go-tstore/pkg/checkpointfile"
	"github.com/microsoft/go-tstore/pkg/consolidated"
	"github.com/microsoft/go-tstore/pkg/differential"
	tstoreerrors "github.com/microsoft/go-tstore/pkg/errors"
	"github.com/microsoft/go-tstore/pkg/metadata"
	"github.com/microsoft/go-tstore/pkg/pipeline"
	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/snapshotset"
	"github.com/microsoft/go-tstore/pkg/sweep"
	"github.com/microsoft/go-tstore/pkg/txn"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// Config collects every collaborator and tunable a Store needs. The
// comparator and the two serializers are the only pieces that vary with
// a caller's key/value schema; Replicator and LockManager are required
// too, and every other field has a usable default.
type Config struct {
	// Dir is the directory checkpoint files and the metadata table are
	// written to and recovered from.
	Dir string

	MergePolicy         pipeline.MergePolicy
	MaxFiles            int
	InvalidEntriesRatio float64
	BlockSize           int

	KeyComparator   func(a, b types.Comparable) int
	KeySerializer   replicator.KeySerializer
	ValueSerializer replicator.ValueSerializer

	// ChangeHandler is optional; nil disables change notifications.
	ChangeHandler replicator.ChangeHandler

	Sweep sweep.Config

	Replicator  replicator.Replicator
	LockManager replicator.LockManager
}

func metadataPath(dir string) string {
	return filepath.Join(dir, "metadata.json")
}

// Store is one versioned, transactional sorted keyspace.
type Store struct {
	cfg     Config
	cmp     func(a, b types.Comparable) int
	repl    replicator.Replicator
	lockMgr replicator.LockManager
	vs      replicator.ValueSerializer
	handler replicator.ChangeHandler

	cons       *consolidated.Holder
	snapshots  *snapshotset.Set
	meta       *metadata.Holder
	pipe       *pipeline.Pipeline
	sweepEng   *sweep.Engine
	registry   *txn.Registry
	readers    *checkpointfile.ReaderPool
	sweepStop  context.CancelFunc

	applyMu  sync.RWMutex
	applyEng *apply.Engine

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Open recovers a Store from whatever metadata table and checkpoint files
// already exist under cfg.Dir, or starts an empty one if none do. There
// is no separate New/Open split: an empty recovery and a fresh store look
// identical.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.KeyComparator == nil || cfg.KeySerializer == nil || cfg.ValueSerializer == nil {
		return nil, fmt.Errorf("store: Config.KeyComparator, KeySerializer and ValueSerializer are required")
	}
	if cfg.Replicator == nil || cfg.LockManager == nil {
		return nil, fmt.Errorf("store: Config.Replicator and LockManager are required")
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = checkpointfile.DefaultBlockSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 8
	}

	metaPath := metadataPath(cfg.Dir)
	table, err := metadata.Load(metaPath)
	if err != nil {
		table = &metadata.Table{}
	}

	// A crash between Perform and Complete leaves a fully written
	// checkpoint file that no published metadata table references; it
	// belongs to a cycle that never happened.
	referenced := make(map[string]bool, len(table.Files))
	for _, f := range table.Files {
		referenced[filepath.Base(f.Path)] = true
	}
	if orphans, err := filepath.Glob(filepath.Join(cfg.Dir, "chk_*.dat")); err == nil {
		for _, orphan := range orphans {
			if !referenced[filepath.Base(orphan)] {
				os.Remove(orphan)
			}
		}
	}
	// Same for a temp file from a write that crashed before its rename.
	if tmps, err := filepath.Glob(filepath.Join(cfg.Dir, "chk_*.dat.tmp")); err == nil {
		for _, tmp := range tmps {
			os.Remove(tmp)
		}
	}

	readers := checkpointfile.NewReaderPool()
	cons, recoveredKeys, err := recoverConsolidated(cfg.KeyComparator, cfg.KeySerializer, readers, table.Files)
	if err != nil {
		return nil, fmt.Errorf("store: recover consolidated state: %w", err)
	}

	consHolder := consolidated.NewHolder(cons)
	metaHolder := metadata.NewHolder(metaPath, table)
	snapshots := snapshotset.New()
	registry := txn.NewRegistry()
	diff := differential.New(cfg.KeyComparator, int64(table.CheckpointLSN)+1)

	pcfg := pipeline.Config{
		Dir:                 cfg.Dir,
		Policy:              cfg.MergePolicy,
		MaxFiles:            cfg.MaxFiles,
		InvalidEntriesRatio: cfg.InvalidEntriesRatio,
		BlockSize:           cfg.BlockSize,
		KeyCmp:              cfg.KeyComparator,
		KeySerializer:       cfg.KeySerializer,
		ValueSerializer:     cfg.ValueSerializer,
		ActiveVSNFloor: func() (uint64, bool) {
			return registry.MinActiveVSN(), registry.ActiveCount() > 0
		},
	}
	// The apply engine does not exist yet (it needs the pipeline's live
	// differential); the rebind hook resolves it late through applyEng.
	var applyEng *apply.Engine
	pcfg.OnPrepared = func(live *differential.Differential) {
		applyEng.Rebind(live)
	}
	var maxFileID uint64
	for _, f := range table.Files {
		if f.FileID > maxFileID {
			maxFileID = f.FileID
		}
	}
	pipe := pipeline.New(pcfg, diff, consHolder, snapshots, metaHolder, cfg.Replicator, maxFileID)

	applyEng = apply.New(pipe.LiveDifferential(), table.CheckpointLSN, table.LegacyFormat, cfg.ChangeHandler, snapshots)
	sweepEng := sweep.New(cfg.Sweep, consHolder)

	s := &Store{
		cfg:      cfg,
		cmp:      cfg.KeyComparator,
		repl:     cfg.Replicator,
		lockMgr:  cfg.LockManager,
		vs:       cfg.ValueSerializer,
		handler:  cfg.ChangeHandler,
		cons:     consHolder,
		snapshots: snapshots,
		meta:     metaHolder,
		pipe:     pipe,
		applyEng: applyEng,
		sweepEng: sweepEng,
		registry: registry,
		readers:  readers,
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepStop = cancel
	sweepEng.Start(sweepCtx)

	if cfg.ChangeHandler != nil && len(recoveredKeys) > 0 {
		cfg.ChangeHandler.OnRebuild(recoveredKeys)
	}

	return s, nil
}

// Close stops the sweep engine and waits for every in-flight operation to
// finish before returning. A Store is not usable after Close.
func (s *Store) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.sweepEng.Stop()
	s.sweepStop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter marks one operation as in flight, refusing if the store has begun
// shutdown. leave must be called exactly once when the operation finishes.
func (s *Store) enter() (leave func(), err error) {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, &tstoreerrors.ClosedError{}
	}
	s.inflight.Add(1)
	s.closeMu.RUnlock()
	return s.inflight.Done, nil
}

func (s *Store) checkWritable() error {
	role, _ := s.repl.RoleAndStatus()
	if role != replicator.RolePrimary {
		return &tstoreerrors.NotPrimaryError{}
	}
	return nil
}

// checkReadable enforces the read-side role guard: a store is
// readable without restriction when primary. A secondary only serves
// snapshot-isolated reads, and only once its replicator reports it active;
// any other role/status/isolation combination is rejected.
func (s *Store) checkReadable(level txn.IsolationLevel) error {
	role, status := s.repl.RoleAndStatus()
	if role == replicator.RolePrimary {
		return nil
	}
	if (role == replicator.RoleSecondary || role == replicator.RoleIdleSecondary) && status == replicator.StatusActive {
		if level == txn.Snapshot {
			return nil
		}
	}
	return &tstoreerrors.NotReadableError{}
}

// Count reports the number of distinct live keys visible right now,
// combining the differential and consolidated generations. It is an
// approximation under concurrent writes; an exact count needs a snapshot
// enumeration.
func (s *Store) Count() int64 {
	seen := make(map[string]struct{})
	count := int64(0)

	s.pipe.LiveDifferential().VisitInOrder(func(key types.Comparable, current, previous *version.Entry) {
		seen[fmt.Sprint(key)] = struct{}{}
		if !current.IsTombstone() {
			count++
		}
	})
	s.cons.Load().VisitInOrder(func(key types.Comparable, entry *version.Entry) {
		if _, overridden := seen[fmt.Sprint(key)]; overridden {
			return
		}
		if !entry.IsTombstone() {
			count++
		}
	})
	return count
}

// ApplyRedo delivers one replicator redo operation to the store: the
// entry point a secondary replica or recovery driver feeds redelivered
// operations through, the receiving-side counterpart of the commit path's
// own apply. The apply context governs idempotency: a SecondaryRedo or
// RecoveryRedo whose VSN the recovered checkpoint LSN already covers is
// skipped as a no-op instead of corrupting already-checkpointed history.
func (s *Store) ApplyRedo(ctx context.Context, op apply.Operation, applyCtx apply.Context) error {
	leave, err := s.enter()
	if err != nil {
		return err
	}
	defer leave()

	s.applyMu.RLock()
	eng := s.applyEng
	s.applyMu.RUnlock()

	if err := eng.Apply(ctx, op, applyCtx); err != nil {
		return err
	}
	return s.repl.OnApply(ctx, op.Vsn)
}

// materialize resolves entry's value, reloading it from its checkpoint
// file through the reader pool if the in-memory copy has been swept. The
// Acquire/release pair pins the entry against a concurrent sweep pass for
// the duration of the reload so ReleaseIfEvictable cannot race it.
func (s *Store) materialize(entry *version.Entry) (types.Value, error) {
	release := entry.Acquire()
	defer release()

	if v := entry.Value(); v != nil {
		return v, nil
	}
	if !entry.Disk.Valid() {
		return nil, nil
	}

	fd := fileDescriptorFor(s.meta.Current(), entry.Disk.FileID)
	if fd == nil {
		return nil, fmt.Errorf("store: disk pointer references unknown file id %d", entry.Disk.FileID)
	}
	r, err := s.readers.Acquire(fd.Path)
	if err != nil {
		return nil, err
	}
	raw, err := r.ReadAt(entry.Disk.Offset, entry.Disk.Length)
	if err != nil {
		return nil, err
	}
	value, err := s.vs.DeserializeValue(raw)
	if err != nil {
		return nil, err
	}
	entry.SetValue(value)
	return value, nil
}

// lookupCurrent returns the entry for key that is current right now,
// without regard to any transaction's visibility: the differential
// generation wins if it has a node for key, else the consolidated
// generation.
func (s *Store) lookupCurrent(key types.Comparable) (*version.Entry, bool) {
	if cur, _, ok := s.pipe.LiveDifferential().Get(key); ok {
		return cur, true
	}
	return s.cons.Load().Get(key)
}

// lookupVisible resolves key the way a transaction at isolation level
// t.Level actually needs to see it: ReadCommitted and a transaction with no
// fixed snapshot both just want whatever is current; Snapshot and
// RepeatableRead must walk differential -> consolidated -> snapshot set
// looking for the newest version at or before the transaction's visibility
// VSN.
func (s *Store) lookupVisible(t *txn.Transaction, key types.Comparable) (*version.Entry, bool) {
	if t.Level == txn.ReadCommitted {
		return s.lookupCurrent(key)
	}

	vis := t.SnapshotVSN()

	if cur, prev, ok := s.pipe.LiveDifferential().Get(key); ok {
		if cur != nil && cur.Vsn <= vis {
			return cur, true
		}
		if prev != nil && prev.Vsn <= vis {
			return prev, true
		}
	}

	if entry, ok := s.cons.Load().Get(key); ok && entry.Vsn <= vis {
		return entry, true
	}

	return s.snapshots.FindVisible(vis, key)
}

// fileDescriptorFor finds the FileDescriptor for fileID within t's file
// list, used to resolve a version entry's disk pointer to an actual path.
func fileDescriptorFor(t *metadata.Table, fileID uint64) *metadata.FileDescriptor {
	for i := range t.Files {
		if t.Files[i].FileID == fileID {
			return &t.Files[i]
		}
	}
	return nil
}
