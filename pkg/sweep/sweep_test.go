package sweep

import (
	"testing"

	"github.com/microsoft/go-tstore/pkg/consolidated"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

func cmpIntKey(a, b types.Comparable) int {
	return a.(types.IntKey).Compare(b)
}

func TestEngine_RunOnceReleasesEvictableEntries(t *testing.T) {
	b := consolidated.NewBuilder(cmpIntKey, 4)
	swept := version.NewEntry(version.Updated, 1, types.Value("v1"))
	swept.Disk = version.DiskPointer{FileID: 1, Length: 4}
	b.Add(types.IntKey(1), swept)

	pinned := version.NewEntry(version.Updated, 2, types.Value("v2"))
	pinned.Disk = version.DiskPointer{FileID: 1, Length: 4}
	release := pinned.Acquire()
	b.Add(types.IntKey(2), pinned)

	noDisk := version.NewEntry(version.Updated, 3, types.Value("v3"))
	b.Add(types.IntKey(3), noDisk)

	holder := consolidated.NewHolder(b.Build())
	e := New(Config{Enabled: true}, holder)

	released := e.RunOnce()
	if released != 1 {
		t.Fatalf("RunOnce() released = %d, want 1", released)
	}
	if swept.Value() != nil {
		t.Errorf("expected swept entry's value released")
	}
	if pinned.Value() == nil {
		t.Errorf("expected pinned entry's value to survive sweep")
	}
	if noDisk.Value() == nil {
		t.Errorf("expected entry with no disk pointer to survive sweep")
	}

	release()
}

func TestEngine_RunOnceShieldsRecentlyPromoted(t *testing.T) {
	b := consolidated.NewBuilder(cmpIntKey, 4)
	promoted := version.NewEntry(version.Updated, 1, types.Value("v1"))
	promoted.Disk = version.DiskPointer{FileID: 1, Length: 4}
	promoted.MarkPromoted()
	b.Add(types.IntKey(1), promoted)

	holder := consolidated.NewHolder(b.Build())
	e := New(Config{Enabled: true}, holder)

	if released := e.RunOnce(); released != 0 {
		t.Errorf("first pass: released = %d, want 0 (shielded)", released)
	}
	if promoted.Value() == nil {
		t.Errorf("expected shielded entry to keep its value after first pass")
	}

	if released := e.RunOnce(); released != 1 {
		t.Errorf("second pass: released = %d, want 1 (shield expired)", released)
	}
}
