// Package differential implements the mutable, in-memory skip list that
// holds recent writes: at most the current and one previous version per
// key. The whole structure is swapped out wholesale by the checkpoint
// Prepare phase; this package only needs to support concurrent reads and
// writes against a single generation of it.
//
// Structural changes (inserting a brand-new key) take the list-wide latch.
// Updates to an existing key's version chain only take that key's own node
// latch, a two-tier (list, node) latch split instead of per-level node
// latches.
package differential

import (
	"math/rand"
	"sync"

	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

const maxLevel = 16
const probability = 0.25

type node struct {
	key     types.Comparable
	forward []*node

	mu       sync.RWMutex
	current  *version.Entry
	previous *version.Entry
}

// Differential is one generation of the mutable skip list.
type Differential struct {
	cmp func(a, b types.Comparable) int

	structMu sync.RWMutex
	head     *node
	level    int

	rndMu sync.Mutex
	rnd   *rand.Rand

	size int64
}

// New creates an empty differential state ordered by cmp. seed fixes the
// level-generation RNG so callers can get deterministic structure in tests.
func New(cmp func(a, b types.Comparable) int, seed int64) *Differential {
	return &Differential{
		cmp:   cmp,
		head:  &node{forward: make([]*node, maxLevel)},
		level: 1,
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

func (d *Differential) randomLevel() int {
	d.rndMu.Lock()
	defer d.rndMu.Unlock()
	lvl := 1
	for lvl < maxLevel && d.rnd.Float64() < probability {
		lvl++
	}
	return lvl
}

// findPredecessors walks from head down to level 0, recording the last
// node at each level whose key is strictly less than key. Callers must
// hold structMu (read or write).
func (d *Differential) findPredecessors(key types.Comparable) ([]*node, *node) {
	preds := make([]*node, maxLevel)
	cur := d.head
	for lvl := d.level - 1; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && d.cmp(cur.forward[lvl].key, key) < 0 {
			cur = cur.forward[lvl]
		}
		preds[lvl] = cur
	}
	var succ *node
	if cur.forward[0] != nil && d.cmp(cur.forward[0].key, key) == 0 {
		succ = cur.forward[0]
	}
	return preds, succ
}

// Put records a new version for key, pushing the previous current entry
// into the previous slot and dropping whatever was there before it.
func (d *Differential) Put(key types.Comparable, entry *version.Entry) {
	d.structMu.RLock()
	_, found := d.findPredecessors(key)
	if found != nil {
		found.mu.Lock()
		found.previous = found.current
		found.current = entry
		found.mu.Unlock()
		d.structMu.RUnlock()
		return
	}
	d.structMu.RUnlock()

	d.structMu.Lock()
	defer d.structMu.Unlock()

	preds, found := d.findPredecessors(key)
	if found != nil {
		found.mu.Lock()
		found.previous = found.current
		found.current = entry
		found.mu.Unlock()
		return
	}

	lvl := d.randomLevel()
	if lvl > d.level {
		for i := d.level; i < lvl; i++ {
			preds[i] = d.head
		}
		d.level = lvl
	}

	n := &node{key: key, forward: make([]*node, lvl), current: entry}
	for i := 0; i < lvl; i++ {
		n.forward[i] = preds[i].forward[i]
		preds[i].forward[i] = n
	}
	d.size++
}

// Get returns the current and previous version entries for key, if any
// node exists for it. ok is false if the key has never been written in
// this generation.
func (d *Differential) Get(key types.Comparable) (current, previous *version.Entry, ok bool) {
	d.structMu.RLock()
	defer d.structMu.RUnlock()

	_, found := d.findPredecessors(key)
	if found == nil {
		return nil, nil, false
	}
	found.mu.RLock()
	defer found.mu.RUnlock()
	return found.current, found.previous, true
}

// Len reports the number of distinct keys tracked.
func (d *Differential) Len() int64 {
	d.structMu.RLock()
	defer d.structMu.RUnlock()
	return d.size
}

// VisitInOrder calls fn for every key in ascending order, passing the
// current and previous entries. fn must not call back into Put/Get on the
// same Differential. Used by the merge engine to fold this generation into
// the consolidated state and by range enumeration.
func (d *Differential) VisitInOrder(fn func(key types.Comparable, current, previous *version.Entry)) {
	d.structMu.RLock()
	defer d.structMu.RUnlock()

	for n := d.head.forward[0]; n != nil; n = n.forward[0] {
		n.mu.RLock()
		fn(n.key, n.current, n.previous)
		n.mu.RUnlock()
	}
}
