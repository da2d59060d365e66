package differential

import (
	"sync"
	"testing"

	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

func cmpIntKey(a, b types.Comparable) int {
	return a.(types.IntKey).Compare(b)
}

func TestDifferential_PutGet(t *testing.T) {
	d := New(cmpIntKey, 1)

	d.Put(types.IntKey(5), version.NewEntry(version.Inserted, 1, nil))
	cur, prev, ok := d.Get(types.IntKey(5))
	if !ok {
		t.Fatalf("expected key 5 present")
	}
	if cur.Vsn != 1 || prev != nil {
		t.Errorf("unexpected state after first put: cur=%+v prev=%+v", cur, prev)
	}

	d.Put(types.IntKey(5), version.NewEntry(version.Updated, 2, nil))
	cur, prev, ok = d.Get(types.IntKey(5))
	if !ok || cur.Vsn != 2 || prev == nil || prev.Vsn != 1 {
		t.Errorf("unexpected state after second put: cur=%+v prev=%+v", cur, prev)
	}

	d.Put(types.IntKey(5), version.NewEntry(version.Updated, 3, nil))
	cur, prev, ok = d.Get(types.IntKey(5))
	if !ok || cur.Vsn != 3 || prev == nil || prev.Vsn != 2 {
		t.Errorf("expected ≤2-version policy to drop vsn 1: cur=%+v prev=%+v", cur, prev)
	}
}

func TestDifferential_GetMissing(t *testing.T) {
	d := New(cmpIntKey, 1)
	_, _, ok := d.Get(types.IntKey(99))
	if ok {
		t.Errorf("expected missing key to report ok=false")
	}
}

func TestDifferential_VisitInOrder(t *testing.T) {
	d := New(cmpIntKey, 1)
	keys := []int{5, 1, 3, 2, 4}
	for _, k := range keys {
		d.Put(types.IntKey(k), version.NewEntry(version.Updated, uint64(k), nil))
	}

	var seen []int
	d.VisitInOrder(func(key types.Comparable, current, previous *version.Entry) {
		seen = append(seen, int(key.(types.IntKey)))
	})

	want := []int{1, 2, 3, 4, 5}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("VisitInOrder not sorted: got %v, want %v", seen, want)
		}
	}

	if d.Len() != int64(len(keys)) {
		t.Errorf("Len() = %d, want %d", d.Len(), len(keys))
	}
}

func TestDifferential_ConcurrentPut(t *testing.T) {
	d := New(cmpIntKey, 1)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Put(types.IntKey(i), version.NewEntry(version.Updated, uint64(i), nil))
		}(i)
	}
	wg.Wait()

	if d.Len() != 50 {
		t.Errorf("Len() = %d, want 50", d.Len())
	}
}
