// Package consolidated implements the immutable, disk-backed state built by
// the merge engine: a sorted array of entries partitioned into fixed-size
// blocks, searched with binary search for cache-friendly lookups. A
// consolidated generation is never mutated in place; the merge engine
// builds a brand new one and the store swaps the pointer atomically.
package consolidated

import (
	"sort"
	"sync"

	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// DefaultPartitionSize is the number of entries per partition. Partitioning
// keeps a single binary search probe within one cache-friendly block
// instead of walking the full array's backing storage.
const DefaultPartitionSize = 1024

type record struct {
	key   types.Comparable
	entry *version.Entry
}

// Consolidated is one immutable generation of consolidated state.
type Consolidated struct {
	cmp           func(a, b types.Comparable) int
	partitionSize int

	// partitions holds entries grouped into fixed-size, contiguous,
	// globally sorted slices. Splitting the flat array into partitions
	// means a reader only ever touches one small slice per lookup and
	// the sweep engine can walk partitions independently.
	partitions [][]record
}

// Builder accumulates records in key order and produces an immutable
// Consolidated generation. Callers must feed keys in ascending order;
// Builder does not sort.
type Builder struct {
	cmp           func(a, b types.Comparable) int
	partitionSize int
	current       []record
	partitions    [][]record
}

// NewBuilder creates a builder for a new consolidated generation.
func NewBuilder(cmp func(a, b types.Comparable) int, partitionSize int) *Builder {
	if partitionSize <= 0 {
		partitionSize = DefaultPartitionSize
	}
	return &Builder{cmp: cmp, partitionSize: partitionSize}
}

// Add appends the next record. Keys must arrive in ascending order.
func (b *Builder) Add(key types.Comparable, entry *version.Entry) {
	b.current = append(b.current, record{key: key, entry: entry})
	if len(b.current) >= b.partitionSize {
		b.partitions = append(b.partitions, b.current)
		b.current = nil
	}
}

// Build finalizes the generation.
func (b *Builder) Build() *Consolidated {
	if len(b.current) > 0 {
		b.partitions = append(b.partitions, b.current)
	}
	return &Consolidated{cmp: b.cmp, partitionSize: b.partitionSize, partitions: b.partitions}
}

// Empty returns a consolidated generation with no entries.
func Empty(cmp func(a, b types.Comparable) int) *Consolidated {
	return &Consolidated{cmp: cmp, partitionSize: DefaultPartitionSize}
}

// Get performs a binary search for key: first across partition boundary
// keys to pick the candidate partition, then within that partition.
func (c *Consolidated) Get(key types.Comparable) (*version.Entry, bool) {
	if len(c.partitions) == 0 {
		return nil, false
	}

	pIdx := sort.Search(len(c.partitions), func(i int) bool {
		last := c.partitions[i][len(c.partitions[i])-1]
		return c.cmp(last.key, key) >= 0
	})
	if pIdx == len(c.partitions) {
		return nil, false
	}

	part := c.partitions[pIdx]
	rIdx := sort.Search(len(part), func(i int) bool {
		return c.cmp(part[i].key, key) >= 0
	})
	if rIdx == len(part) || c.cmp(part[rIdx].key, key) != 0 {
		return nil, false
	}
	return part[rIdx].entry, true
}

// Len reports the total number of entries across all partitions.
func (c *Consolidated) Len() int {
	n := 0
	for _, p := range c.partitions {
		n += len(p)
	}
	return n
}

// VisitInOrder calls fn for every entry in ascending key order.
func (c *Consolidated) VisitInOrder(fn func(key types.Comparable, entry *version.Entry)) {
	for _, p := range c.partitions {
		for _, r := range p {
			fn(r.key, r.entry)
		}
	}
}

// VisitPartitions calls fn once per partition, letting the sweep engine
// process partitions independently without holding a single lock for the
// whole generation.
func (c *Consolidated) VisitPartitions(fn func(partitionIndex int, keys []types.Comparable, entries []*version.Entry)) {
	for i, p := range c.partitions {
		keys := make([]types.Comparable, len(p))
		entries := make([]*version.Entry, len(p))
		for j, r := range p {
			keys[j] = r.key
			entries[j] = r.entry
		}
		fn(i, keys, entries)
	}
}

// Holder atomically swaps the currently visible Consolidated generation.
// The merge engine builds a new Consolidated off to the side and calls
// Swap once it is fully durable; readers already in flight keep using the
// generation they loaded via Load.
type Holder struct {
	mu      sync.RWMutex
	current *Consolidated
}

// NewHolder wraps an initial (possibly empty) generation.
func NewHolder(initial *Consolidated) *Holder {
	return &Holder{current: initial}
}

// Load returns the currently visible generation.
func (h *Holder) Load() *Consolidated {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Swap installs next as the currently visible generation and returns the
// generation it replaced.
func (h *Holder) Swap(next *Consolidated) *Consolidated {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.current
	h.current = next
	return prev
}
