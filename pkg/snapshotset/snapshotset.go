// Package snapshotset implements the per-VSN container that holds versions
// displaced out of the differential state by a later write, kept alive
// only while some open snapshot still needs to see them.
package snapshotset

import (
	"sort"
	"sync"

	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

type bucket struct {
	mu      sync.RWMutex
	entries map[types.Comparable]*version.Entry
	refs    int
}

// Set is the collection of per-VSN buckets keyed by the VSN at which a
// version stopped being current.
type Set struct {
	mu      sync.Mutex
	buckets map[uint64]*bucket
}

// New creates an empty snapshot set.
func New() *Set {
	return &Set{buckets: make(map[uint64]*bucket)}
}

// Displace records that entry stopped being current at displacedAtVSN,
// because a newer write superseded it. The entry remains reachable through
// Get until the bucket's reference count drops to zero and it is pruned.
func (s *Set) Displace(displacedAtVSN uint64, key types.Comparable, entry *version.Entry) {
	b := s.bucketFor(displacedAtVSN)
	b.mu.Lock()
	b.entries[key] = entry
	b.mu.Unlock()
}

func (s *Set) bucketFor(vsn uint64) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[vsn]
	if !ok {
		b = &bucket{entries: make(map[types.Comparable]*version.Entry)}
		s.buckets[vsn] = b
	}
	return b
}

// AcquireReader pins every bucket with a displacement VSN greater than
// readerSnapshotVSN: those are exactly the buckets a reader snapshotted at
// readerSnapshotVSN might still need to consult. Returns a release func the
// caller must invoke when the read completes.
func (s *Set) AcquireReader(readerSnapshotVSN uint64) (release func()) {
	s.mu.Lock()
	pinned := make([]*bucket, 0, len(s.buckets))
	for vsn, b := range s.buckets {
		if vsn > readerSnapshotVSN {
			b.mu.Lock()
			b.refs++
			b.mu.Unlock()
			pinned = append(pinned, b)
		}
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, b := range pinned {
				b.mu.Lock()
				b.refs--
				b.mu.Unlock()
			}
		})
	}
}

// Get looks up key in the bucket displaced at exactly vsn.
func (s *Set) Get(vsn uint64, key types.Comparable) (*version.Entry, bool) {
	s.mu.Lock()
	b, ok := s.buckets[vsn]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}

// Prune removes every bucket whose displacement VSN is less than or equal
// to minActiveVSN and whose reference count is zero. It is called after a
// checkpoint completes, once the merge engine has folded those versions
// into the new consolidated generation and no open reader still needs the
// held-aside copy.
func (s *Set) Prune(minActiveVSN uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for vsn, b := range s.buckets {
		if vsn > minActiveVSN {
			continue
		}
		b.mu.RLock()
		refs := b.refs
		b.mu.RUnlock()
		if refs == 0 {
			delete(s.buckets, vsn)
			pruned++
		}
	}
	return pruned
}

// FindVisible looks up key among every bucket displaced strictly after vis,
// returning the entry from the bucket with the smallest such displacement
// VSN. That is the version that was current as of vis: it was live at vis
// and got superseded by whatever wrote next. Callers use this as the final
// fallback for a snapshot-isolated read that found nothing live enough in
// either the differential or consolidated state.
func (s *Set) FindVisible(vis uint64, key types.Comparable) (*version.Entry, bool) {
	s.mu.Lock()
	candidates := make([]uint64, 0, len(s.buckets))
	for vsn := range s.buckets {
		if vsn > vis {
			candidates = append(candidates, vsn)
		}
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	for _, vsn := range candidates {
		if e, ok := s.Get(vsn, key); ok {
			return e, true
		}
	}
	return nil, false
}

// Len reports how many VSN buckets currently exist.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
