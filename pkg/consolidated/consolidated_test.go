package consolidated

import (
	"testing"

	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

func cmpIntKey(a, b types.Comparable) int {
	return a.(types.IntKey).Compare(b)
}

func buildSample(partitionSize int) *Consolidated {
	b := NewBuilder(cmpIntKey, partitionSize)
	for i := 0; i < 10; i++ {
		b.Add(types.IntKey(i), version.NewEntry(version.Updated, uint64(i), nil))
	}
	return b.Build()
}

func TestConsolidated_GetFound(t *testing.T) {
	c := buildSample(3)
	for i := 0; i < 10; i++ {
		e, ok := c.Get(types.IntKey(i))
		if !ok {
			t.Fatalf("key %d not found", i)
		}
		if e.Vsn != uint64(i) {
			t.Errorf("key %d: got vsn %d, want %d", i, e.Vsn, i)
		}
	}
}

func TestConsolidated_GetMissing(t *testing.T) {
	c := buildSample(3)
	if _, ok := c.Get(types.IntKey(100)); ok {
		t.Errorf("expected key 100 missing")
	}
	if _, ok := c.Get(types.IntKey(-1)); ok {
		t.Errorf("expected key -1 missing")
	}
}

func TestConsolidated_Empty(t *testing.T) {
	c := Empty(cmpIntKey)
	if c.Len() != 0 {
		t.Errorf("expected empty generation, got len %d", c.Len())
	}
	if _, ok := c.Get(types.IntKey(1)); ok {
		t.Errorf("expected empty generation to find nothing")
	}
}

func TestConsolidated_VisitInOrder(t *testing.T) {
	c := buildSample(4)
	var seen []int
	c.VisitInOrder(func(key types.Comparable, entry *version.Entry) {
		seen = append(seen, int(key.(types.IntKey)))
	})
	if len(seen) != 10 {
		t.Fatalf("got %d entries, want 10", len(seen))
	}
	for i := range seen {
		if seen[i] != i {
			t.Errorf("VisitInOrder not sorted at index %d: got %d", i, seen[i])
		}
	}
}

func TestHolder_SwapIsAtomic(t *testing.T) {
	h := NewHolder(Empty(cmpIntKey))
	if h.Load().Len() != 0 {
		t.Fatalf("expected initial empty generation")
	}

	next := buildSample(4)
	prev := h.Swap(next)
	if prev.Len() != 0 {
		t.Errorf("expected swap to return prior empty generation")
	}
	if h.Load() != next {
		t.Errorf("expected Load to return swapped-in generation")
	}
}
