// Package pipeline implements the three-phase checkpoint protocol:
// Prepare (a synchronous barrier that atomically swaps out the
// differential generation), Perform (concurrent work that writes a new
// checkpoint file and builds the next consolidated generation), and
// Complete (an atomic publish of the new metadata pointer pair).
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/microsoft/go-tstore/pkg/checkpointfile"
	"github.com/microsoft/go-tstore/pkg/consolidated"
	"github.com/microsoft/go-tstore/pkg/differential"
	"github.com/microsoft/go-tstore/pkg/metadata"
	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/snapshotset"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// MergePolicy decides whether the consolidation/merge engine should fold a
// generation's checkpoint files down into fewer, larger ones.
type MergePolicy int

const (
	// MergeNever leaves each checkpoint generation as its own file.
	MergeNever MergePolicy = iota
	// MergeByFileCount merges once more than MaxFiles checkpoint files
	// have accumulated.
	MergeByFileCount
	// MergeByInvalidEntries merges a file once the fraction of entries
	// it holds that are no longer live reaches InvalidEntriesRatio.
	MergeByInvalidEntries
	// MergeAll always folds every existing file into the new one.
	MergeAll
)

// Config governs one store instance's checkpoint pipeline.
type Config struct {
	Dir                 string
	Policy              MergePolicy
	MaxFiles            int
	InvalidEntriesRatio float64
	BlockSize           int
	KeyCmp              func(a, b types.Comparable) int
	KeySerializer       replicator.KeySerializer
	ValueSerializer     replicator.ValueSerializer

	// ActiveVSNFloor reports the lowest snapshot VSN held by any open
	// transaction and whether any transaction is open at all. When set,
	// Complete never prunes a snapshot-set bucket an open reader could
	// still reach, even one created after that reader pinned its buckets.
	// Nil means no open-reader tracking; Complete prunes up to the
	// checkpoint LSN.
	ActiveVSNFloor func() (vsn uint64, active bool)

	// OnPrepared is invoked inside the Prepare barrier, immediately after
	// the differential swap, with the fresh generation now accepting
	// writes. The store uses it to rebind its apply engine before any
	// post-barrier write can commit, so nothing lands in the frozen
	// generation while Perform is folding it. Optional.
	OnPrepared func(live *differential.Differential)
}

// DefaultConfig returns sane defaults for a checkpoint pipeline.
func DefaultConfig(dir string, cmp func(a, b types.Comparable) int, ks replicator.KeySerializer, vs replicator.ValueSerializer) Config {
	return Config{
		Dir:                 dir,
		Policy:              MergeByFileCount,
		MaxFiles:            8,
		InvalidEntriesRatio: 0.5,
		BlockSize:           checkpointfile.DefaultBlockSize,
		KeyCmp:              cmp,
		KeySerializer:       ks,
		ValueSerializer:     vs,
	}
}

// Pipeline coordinates one checkpoint cycle at a time; concurrent
// CreateCheckpoint calls serialize behind runMu.
type Pipeline struct {
	cfg Config

	runMu sync.Mutex

	diffHolder *atomicDiffHolder
	consHolder *consolidated.Holder
	snapshots  *snapshotset.Set
	metaHolder *metadata.Holder
	repl       replicator.Replicator

	nextFileID uint64
}

// atomicDiffHolder lets CreateCheckpoint swap the live differential
// generation under the Prepare barrier while readers/writers outside a
// checkpoint just read the current pointer.
type atomicDiffHolder struct {
	mu      sync.RWMutex
	current *differential.Differential
}

func newDiffHolder(initial *differential.Differential) *atomicDiffHolder {
	return &atomicDiffHolder{current: initial}
}

func (h *atomicDiffHolder) Load() *differential.Differential {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *atomicDiffHolder) Swap(next *differential.Differential) *differential.Differential {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.current
	h.current = next
	return prev
}

// New creates a checkpoint pipeline bound to the store's live state.
// startFileID must be the highest FileID already referenced by the
// recovered metadata table (0 for a fresh store), so the first checkpoint
// after a reopen allocates a fresh FileID instead of reusing one a live
// DiskPointer still references.
func New(cfg Config, diff *differential.Differential, cons *consolidated.Holder, snapshots *snapshotset.Set, meta *metadata.Holder, repl replicator.Replicator, startFileID uint64) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		diffHolder: newDiffHolder(diff),
		consHolder: cons,
		snapshots:  snapshots,
		metaHolder: meta,
		repl:       repl,
		nextFileID: startFileID,
	}
}

// LiveDifferential returns the differential generation currently accepting
// writes.
func (p *Pipeline) LiveDifferential() *differential.Differential {
	return p.diffHolder.Load()
}

// CreateCheckpoint runs one full Prepare/Perform/Complete cycle.
//
// Prepare is the only phase that must be a true barrier: it swaps in a
// fresh empty differential generation atomically so every write that
// begins after Prepare returns lands in the new generation. The swap itself
// does not block writers; the OnPrepared hook is where writes already in
// flight against the old generation are drained (the store's apply engine
// waits for them in Rebind) before Perform folds it.
func (p *Pipeline) CreateCheckpoint(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	checkpointLSN, frozen, err := p.prepare(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: prepare: %w", err)
	}

	newCons, fileDesc, err := p.perform(ctx, checkpointLSN, frozen)
	if err != nil {
		return fmt.Errorf("pipeline: perform: %w", err)
	}

	if err := p.complete(ctx, checkpointLSN, newCons, fileDesc); err != nil {
		return fmt.Errorf("pipeline: complete: %w", err)
	}
	return nil
}

// prepare captures the checkpoint LSN and swaps the differential
// generation. It returns the LSN the new checkpoint file will cover
// through and the frozen generation Perform must fold in.
func (p *Pipeline) prepare(ctx context.Context) (uint64, *differential.Differential, error) {
	checkpointLSN, err := p.repl.VisibilityVSN(ctx)
	if err != nil {
		return 0, nil, err
	}

	if err := p.repl.OnPrepareCheckpoint(ctx, checkpointLSN); err != nil {
		return 0, nil, err
	}

	fresh := differential.New(p.cfg.KeyCmp, int64(checkpointLSN)+1)
	frozen := p.diffHolder.Swap(fresh)
	if p.cfg.OnPrepared != nil {
		p.cfg.OnPrepared(fresh)
	}

	return checkpointLSN, frozen, nil
}

// perform folds the displaced differential generation and the current
// consolidated generation into a new, sorted checkpoint file, then builds
// the new in-memory consolidated generation from it. This phase runs
// concurrently with new writes landing in the freshly swapped-in
// differential generation from Prepare.
func (p *Pipeline) perform(ctx context.Context, checkpointLSN uint64, frozen *differential.Differential) (newCons *consolidated.Consolidated, desc metadata.FileDescriptor, err error) {
	prevCons := p.consHolder.Load()

	merged := mergeGenerations(p.cfg.KeyCmp, frozen, prevCons, p.snapshots)

	p.nextFileID++
	fileID := p.nextFileID
	path := filepath.Join(p.cfg.Dir, fmt.Sprintf("chk_%d.dat", fileID))

	w, err := checkpointfile.NewWriter(path, p.cfg.BlockSize)
	if err != nil {
		return nil, metadata.FileDescriptor{}, err
	}

	builder := consolidated.NewBuilder(p.cfg.KeyCmp, consolidated.DefaultPartitionSize)
	var liveCount, totalCount uint64
	var sizeBytes uint64

	for _, m := range merged {
		totalCount++
		kind := checkpointfile.KindUpdated
		switch m.entry.Kind {
		case version.Inserted:
			kind = checkpointfile.KindInserted
		case version.Deleted:
			kind = checkpointfile.KindDeleted
		}

		keyBytes, err := p.cfg.KeySerializer.SerializeKey(m.key)
		if err != nil {
			return nil, metadata.FileDescriptor{}, err
		}
		valBytes, err := p.cfg.ValueSerializer.SerializeValue(m.entry.Value())
		if err != nil {
			return nil, metadata.FileDescriptor{}, err
		}

		valueOffset, valueLength, err := w.Add(keyBytes, m.entry.Vsn, kind, valBytes)
		if err != nil {
			return nil, metadata.FileDescriptor{}, err
		}
		sizeBytes += uint64(len(keyBytes) + len(valBytes))

		if !m.entry.IsTombstone() {
			m.entry.Disk = version.DiskPointer{FileID: fileID, Offset: valueOffset, Length: valueLength}
			liveCount++
			if m.fromDiff {
				// Shield the entry from the sweep engine for one
				// pass: it just moved from differential into
				// consolidated state, and a reader that looked it up
				// moments ago may still be holding its in-memory
				// value without having raced Acquire on it yet.
				m.entry.MarkPromoted()
			}
			builder.Add(m.key, m.entry)
		}
	}

	if err := w.Close(); err != nil {
		return nil, metadata.FileDescriptor{}, err
	}

	desc = metadata.FileDescriptor{
		FileID:     fileID,
		Path:       path,
		LiveCount:  liveCount,
		TotalCount: totalCount,
		SizeBytes:  sizeBytes,
	}

	if err := p.repl.OnPerformCheckpoint(ctx, checkpointLSN); err != nil {
		return nil, metadata.FileDescriptor{}, err
	}

	return builder.Build(), desc, nil
}

// complete publishes the new metadata table and swaps in the new
// consolidated generation, then prunes snapshot-set buckets no open reader
// still needs.
func (p *Pipeline) complete(ctx context.Context, checkpointLSN uint64, newCons *consolidated.Consolidated, desc metadata.FileDescriptor) error {
	files := decideFiles(p.cfg.Policy, p.cfg.MaxFiles, p.cfg.InvalidEntriesRatio, p.metaHolder.Current().Files, desc)

	p.metaHolder.StageNext(&metadata.Table{
		CheckpointLSN: checkpointLSN,
		Files:         files,
	})
	if err := p.metaHolder.PublishNext(); err != nil {
		return err
	}

	p.consHolder.Swap(newCons)

	if err := p.repl.OnCompleteCheckpoint(ctx, checkpointLSN); err != nil {
		return err
	}

	if p.snapshots != nil {
		// A bucket displaced at VSN v is needed by readers with
		// visibility < v, including readers that began before the
		// bucket existed and so never pinned it. The prune floor is
		// therefore the oldest open reader's VSN, not the checkpoint
		// LSN, whenever any transaction is still open.
		floor := checkpointLSN
		if p.cfg.ActiveVSNFloor != nil {
			if min, active := p.cfg.ActiveVSNFloor(); active && min < floor {
				floor = min
			}
		}
		p.snapshots.Prune(floor)
	}
	return nil
}

// decideFiles applies the configured merge policy to the accumulated file
// list plus the freshly written file.
func decideFiles(policy MergePolicy, maxFiles int, invalidRatio float64, existing []metadata.FileDescriptor, fresh metadata.FileDescriptor) []metadata.FileDescriptor {
	switch policy {
	case MergeAll:
		return []metadata.FileDescriptor{fresh}
	case MergeByFileCount:
		all := append(append([]metadata.FileDescriptor{}, existing...), fresh)
		if len(all) <= maxFiles {
			return all
		}
		return []metadata.FileDescriptor{fresh}
	case MergeByInvalidEntries:
		kept := make([]metadata.FileDescriptor, 0, len(existing)+1)
		for _, f := range existing {
			if f.TotalCount == 0 {
				kept = append(kept, f)
				continue
			}
			invalidRatioActual := 1 - float64(f.LiveCount)/float64(f.TotalCount)
			if invalidRatioActual < invalidRatio {
				kept = append(kept, f)
			}
		}
		kept = append(kept, fresh)
		return kept
	default:
		return append(append([]metadata.FileDescriptor{}, existing...), fresh)
	}
}

type mergedEntry struct {
	key      types.Comparable
	entry    *version.Entry
	fromDiff bool
}

// mergeGenerations produces a fully sorted view combining the displaced
// differential generation (which wins on key conflicts, since it is
// strictly newer) with the prior consolidated generation. A consolidated
// entry overridden by a newer differential write is not simply dropped: it
// is moved into snapshots, keyed at the overriding write's VSN, so a
// snapshot-isolated reader whose visibility VSN still falls before that
// write can keep finding it via snapshotset.Set.FindVisible after this
// checkpoint publishes and the consolidated generation swaps out from
// under it. Same discipline as apply.Engine.recordDisplacement: anything
// about to become unreachable is handed to the snapshot set first.
func mergeGenerations(cmp func(a, b types.Comparable) int, diff *differential.Differential, cons *consolidated.Consolidated, snapshots *snapshotset.Set) []mergedEntry {
	var fromDiff []mergedEntry
	diffCurrent := make(map[string]*version.Entry)
	diff.VisitInOrder(func(key types.Comparable, current, previous *version.Entry) {
		fromDiff = append(fromDiff, mergedEntry{key: key, entry: current, fromDiff: true})
		diffCurrent[fmt.Sprint(key)] = current
	})

	var fromCons []mergedEntry
	if cons != nil {
		cons.VisitInOrder(func(key types.Comparable, entry *version.Entry) {
			newer, overridden := diffCurrent[fmt.Sprint(key)]
			if overridden {
				if snapshots != nil && newer != nil {
					snapshots.Displace(newer.Vsn, key, entry)
				}
				return
			}
			fromCons = append(fromCons, mergedEntry{key: key, entry: entry})
		})
	}

	merged := make([]mergedEntry, 0, len(fromDiff)+len(fromCons))
	i, j := 0, 0
	for i < len(fromDiff) && j < len(fromCons) {
		c := cmp(fromDiff[i].key, fromCons[j].key)
		switch {
		case c < 0:
			merged = append(merged, fromDiff[i])
			i++
		case c > 0:
			merged = append(merged, fromCons[j])
			j++
		default:
			merged = append(merged, fromDiff[i])
			i++
			j++
		}
	}
	merged = append(merged, fromDiff[i:]...)
	merged = append(merged, fromCons[j:]...)
	return merged
}
