package pipeline

import (
	"context"
	"testing"

	"github.com/microsoft/go-tstore/pkg/checkpointfile"
	"github.com/microsoft/go-tstore/pkg/codec"
	"github.com/microsoft/go-tstore/pkg/consolidated"
	"github.com/microsoft/go-tstore/pkg/differential"
	"github.com/microsoft/go-tstore/pkg/metadata"
	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/snapshotset"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

func intCmp(a, b types.Comparable) int { return a.Compare(b) }

// stubReplicator supplies a fixed visibility VSN and records the order of
// checkpoint lifecycle callbacks, with none of the WAL machinery the
// harness fake carries.
type stubReplicator struct {
	vis   uint64
	calls []string
}

func (r *stubReplicator) CommitLSNNow(ctx context.Context) (uint64, error) {
	r.vis++
	return r.vis, nil
}

func (r *stubReplicator) VisibilityVSN(ctx context.Context) (uint64, error) {
	return r.vis, nil
}

func (r *stubReplicator) RoleAndStatus() (replicator.Role, replicator.Status) {
	return replicator.RolePrimary, replicator.StatusActive
}

func (r *stubReplicator) OnPrepareCheckpoint(ctx context.Context, lsn uint64) error {
	r.calls = append(r.calls, "prepare")
	return nil
}

func (r *stubReplicator) OnPerformCheckpoint(ctx context.Context, lsn uint64) error {
	r.calls = append(r.calls, "perform")
	return nil
}

func (r *stubReplicator) OnCompleteCheckpoint(ctx context.Context, lsn uint64) error {
	r.calls = append(r.calls, "complete")
	return nil
}

func (r *stubReplicator) OnApply(ctx context.Context, vsn uint64) error { return nil }
func (r *stubReplicator) OnUndo(ctx context.Context, vsn uint64) error  { return nil }

func (r *stubReplicator) OnCopyStream(ctx context.Context) (replicator.CopyStream, error) {
	return nil, nil
}

func (r *stubReplicator) OnChangeRole(ctx context.Context, newRole replicator.Role) error {
	return nil
}

func newTestPipeline(t *testing.T, repl replicator.Replicator, policy MergePolicy) (*Pipeline, *snapshotset.Set, *consolidated.Holder, *metadata.Holder) {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig(dir, intCmp, codec.NewKeyCodec(), codec.NewValueCodec())
	cfg.Policy = policy

	diff := differential.New(intCmp, 1)
	consHolder := consolidated.NewHolder(consolidated.Empty(intCmp))
	snapshots := snapshotset.New()
	metaHolder := metadata.NewHolder(metadataPathIn(dir), &metadata.Table{})

	return New(cfg, diff, consHolder, snapshots, metaHolder, repl, 0), snapshots, consHolder, metaHolder
}

func metadataPathIn(dir string) string {
	return dir + "/metadata.json"
}

func TestPipeline_CheckpointPromotesDifferential(t *testing.T) {
	ctx := context.Background()
	repl := &stubReplicator{}
	p, _, consHolder, metaHolder := newTestPipeline(t, repl, MergeNever)

	for i := int64(1); i <= 3; i++ {
		vsn, _ := repl.CommitLSNNow(ctx)
		p.LiveDifferential().Put(types.IntKey(i), version.NewEntry(version.Inserted, vsn, types.Value("v")))
	}

	if err := p.CreateCheckpoint(ctx); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	// Prepare must swap in a fresh differential generation.
	if n := p.LiveDifferential().Len(); n != 0 {
		t.Errorf("live differential has %d entries after checkpoint, want 0", n)
	}

	// Every promoted entry must land in consolidated state with a disk
	// pointer resolvable through the written file.
	table := metaHolder.Current()
	if table.CheckpointLSN != 3 {
		t.Errorf("checkpoint LSN = %d, want 3", table.CheckpointLSN)
	}
	if len(table.Files) != 1 {
		t.Fatalf("metadata references %d files, want 1", len(table.Files))
	}

	r, err := checkpointfile.Open(table.Files[0].Path)
	if err != nil {
		t.Fatalf("open checkpoint file: %v", err)
	}

	cons := consHolder.Load()
	if cons.Len() != 3 {
		t.Fatalf("consolidated has %d entries, want 3", cons.Len())
	}
	cons.VisitInOrder(func(key types.Comparable, entry *version.Entry) {
		if !entry.Disk.Valid() {
			t.Errorf("key %v has no disk pointer after checkpoint", key)
			return
		}
		raw, err := r.ReadAt(entry.Disk.Offset, entry.Disk.Length)
		if err != nil {
			t.Errorf("key %v: ReadAt: %v", key, err)
			return
		}
		if string(raw) != "v" {
			t.Errorf("key %v: reloaded %q, want %q", key, raw, "v")
		}
	})
}

func TestPipeline_CallbackOrder(t *testing.T) {
	ctx := context.Background()
	repl := &stubReplicator{}
	p, _, _, _ := newTestPipeline(t, repl, MergeNever)

	if err := p.CreateCheckpoint(ctx); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	want := []string{"prepare", "perform", "complete"}
	if len(repl.calls) != len(want) {
		t.Fatalf("got callbacks %v, want %v", repl.calls, want)
	}
	for i := range want {
		if repl.calls[i] != want[i] {
			t.Fatalf("got callbacks %v, want %v", repl.calls, want)
		}
	}
}

func TestPipeline_EmptyDeltaCheckpoint(t *testing.T) {
	ctx := context.Background()
	repl := &stubReplicator{vis: 7}
	p, _, _, metaHolder := newTestPipeline(t, repl, MergeNever)

	// Back-to-back checkpoints with no intervening writes are valid
	// no-op file writes, not errors.
	if err := p.CreateCheckpoint(ctx); err != nil {
		t.Fatalf("first empty CreateCheckpoint: %v", err)
	}
	if err := p.CreateCheckpoint(ctx); err != nil {
		t.Fatalf("second empty CreateCheckpoint: %v", err)
	}

	table := metaHolder.Current()
	if table.CheckpointLSN != 7 {
		t.Errorf("checkpoint LSN = %d, want 7", table.CheckpointLSN)
	}
	if len(table.Files) != 2 {
		t.Errorf("metadata references %d files, want 2", len(table.Files))
	}
}

func TestPipeline_FreshFileIDsAfterReopen(t *testing.T) {
	ctx := context.Background()
	repl := &stubReplicator{}

	// A pipeline recovered against a table already referencing file IDs
	// up through 4 must allocate 5 next, never reuse a live ID.
	dir := t.TempDir()
	cfg := DefaultConfig(dir, intCmp, codec.NewKeyCodec(), codec.NewValueCodec())
	diff := differential.New(intCmp, 1)
	metaHolder := metadata.NewHolder(metadataPathIn(dir), &metadata.Table{
		Files: []metadata.FileDescriptor{{FileID: 4, Path: dir + "/chk_4.dat"}},
	})
	p := New(cfg, diff, consolidated.NewHolder(consolidated.Empty(intCmp)), snapshotset.New(), metaHolder, repl, 4)

	if err := p.CreateCheckpoint(ctx); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	var maxID uint64
	for _, f := range metaHolder.Current().Files {
		if f.FileID > maxID {
			maxID = f.FileID
		}
	}
	if maxID != 5 {
		t.Errorf("freshly allocated FileID = %d, want 5", maxID)
	}
}

func TestMergeGenerations_DisplacesOverriddenEntry(t *testing.T) {
	old := version.NewEntry(version.Inserted, 2, types.Value("old"))
	b := consolidated.NewBuilder(intCmp, 0)
	b.Add(types.IntKey(1), old)
	cons := b.Build()

	diff := differential.New(intCmp, 1)
	diff.Put(types.IntKey(1), version.NewEntry(version.Updated, 9, types.Value("new")))

	snapshots := snapshotset.New()
	release := snapshots.AcquireReader(5)
	defer release()

	merged := mergeGenerations(intCmp, diff, cons, snapshots)
	if len(merged) != 1 {
		t.Fatalf("merged %d entries, want 1", len(merged))
	}
	if string(merged[0].entry.Value()) != "new" {
		t.Errorf("merge kept %q, want the newer differential version", merged[0].entry.Value())
	}

	// The displaced consolidated version must stay reachable for a
	// reader whose visibility predates the overriding write.
	got, ok := snapshots.FindVisible(5, types.IntKey(1))
	if !ok {
		t.Fatalf("displaced entry not reachable through snapshot set")
	}
	if got.Vsn != 2 || string(got.Value()) != "old" {
		t.Errorf("FindVisible returned vsn %d value %q, want vsn 2 value %q", got.Vsn, got.Value(), "old")
	}
}

func TestPipeline_PruneRespectsActiveReaderFloor(t *testing.T) {
	ctx := context.Background()
	repl := &stubReplicator{vis: 2}

	dir := t.TempDir()
	cfg := DefaultConfig(dir, intCmp, codec.NewKeyCodec(), codec.NewValueCodec())
	// A reader snapshotted at VSN 2 is still open throughout.
	cfg.ActiveVSNFloor = func() (uint64, bool) { return 2, true }

	old := version.NewEntry(version.Inserted, 2, types.Value("old"))
	b := consolidated.NewBuilder(intCmp, 0)
	b.Add(types.IntKey(1), old)

	diff := differential.New(intCmp, 3)
	snapshots := snapshotset.New()
	metaHolder := metadata.NewHolder(metadataPathIn(dir), &metadata.Table{})
	p := New(cfg, diff, consolidated.NewHolder(b.Build()), snapshots, metaHolder, repl, 0)

	// The overriding write lands, then a checkpoint folds it in. The
	// reader began before the displacement bucket existed, so only the
	// floor (not bucket pinning) protects the displaced version.
	vsn, _ := repl.CommitLSNNow(ctx)
	p.LiveDifferential().Put(types.IntKey(1), version.NewEntry(version.Updated, vsn, types.Value("new")))

	if err := p.CreateCheckpoint(ctx); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	got, ok := snapshots.FindVisible(2, types.IntKey(1))
	if !ok {
		t.Fatalf("displaced version pruned despite an open reader below the displacement VSN")
	}
	if got.Vsn != 2 || string(got.Value()) != "old" {
		t.Errorf("FindVisible returned vsn %d value %q, want vsn 2 value %q", got.Vsn, got.Value(), "old")
	}
}

func TestDecideFiles_Policies(t *testing.T) {
	existing := []metadata.FileDescriptor{
		{FileID: 1, LiveCount: 10, TotalCount: 10},
		{FileID: 2, LiveCount: 1, TotalCount: 10},
	}
	fresh := metadata.FileDescriptor{FileID: 3, LiveCount: 5, TotalCount: 5}

	tests := []struct {
		name    string
		policy  MergePolicy
		maxN    int
		ratio   float64
		wantIDs []uint64
	}{
		{"never keeps everything", MergeNever, 0, 0, []uint64{1, 2, 3}},
		{"all keeps only fresh", MergeAll, 0, 0, []uint64{3}},
		{"file count under limit", MergeByFileCount, 3, 0, []uint64{1, 2, 3}},
		{"file count over limit", MergeByFileCount, 2, 0, []uint64{3}},
		{"invalid entries drops mostly dead file", MergeByInvalidEntries, 0, 0.5, []uint64{1, 3}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := decideFiles(tc.policy, tc.maxN, tc.ratio, existing, fresh)
			if len(got) != len(tc.wantIDs) {
				t.Fatalf("kept %d files, want %d", len(got), len(tc.wantIDs))
			}
			for i, want := range tc.wantIDs {
				if got[i].FileID != want {
					t.Errorf("kept[%d].FileID = %d, want %d", i, got[i].FileID, want)
				}
			}
		})
	}
}
