// Package version defines the version entry record shared by the
// differential and consolidated containers.
package version

import (
	"sync"

	"github.com/microsoft/go-tstore/pkg/types"
)

// Kind identifies what operation produced a version entry.
type Kind uint8

const (
	Inserted Kind = iota
	Updated
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Inserted:
		return "Inserted"
	case Updated:
		return "Updated"
	case Deleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// DiskPointer locates a version's value inside a consolidated checkpoint
// file. It is set when the version is written to (or recovered from) a
// checkpoint file, and lets the value be reloaded after a sweep has
// released the in-memory copy.
type DiskPointer struct {
	FileID uint64
	Offset uint64
	Length uint32
}

// Valid reports whether the pointer has been set. A zero-value DiskPointer
// means the version has never been written to a checkpoint file (it is
// differential-only).
func (d DiskPointer) Valid() bool {
	return d.Length > 0 || d.Offset > 0 || d.FileID > 0
}

// Entry is one version of a key: the value (or tombstone marker), the VSN
// it was committed at, and the bookkeeping the sweep engine needs to decide
// whether its in-memory value can be released.
//
// Entry is shared, mutable state once it moves into consolidated storage
// and is read and released concurrently by readers and the sweep engine,
// so its mutable fields sit behind their own latch rather than the owning
// container's.
type Entry struct {
	Kind Kind
	Vsn  uint64
	Disk DiskPointer

	mu    sync.Mutex
	value types.Value

	// refs counts open readers currently holding this entry's in-memory
	// value. The sweep engine only releases Value when refs is zero.
	refs int

	// recentlyPromoted shields an entry from eviction for one sweep
	// pass after it moves from differential to consolidated, so a
	// reader that raced the promotion still finds the value resident.
	recentlyPromoted bool
}

// NewEntry creates a version entry with its in-memory value populated and
// no disk pointer yet assigned.
func NewEntry(kind Kind, vsn uint64, value types.Value) *Entry {
	return &Entry{Kind: kind, Vsn: vsn, value: value}
}

// IsTombstone reports whether this version represents a deletion.
func (e *Entry) IsTombstone() bool {
	return e.Kind == Deleted
}

// Value returns the in-memory value, or nil if it has been swept and must
// be reloaded from Disk by the caller.
func (e *Entry) Value() types.Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// SetValue installs a value, used both at write time and when a reader
// reloads a swept entry from its checkpoint file.
func (e *Entry) SetValue(v types.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
}

// MarkPromoted sets the one-pass eviction shield, called when an entry
// moves from differential into a freshly built consolidated generation.
func (e *Entry) MarkPromoted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentlyPromoted = true
}

// Acquire pins the entry's in-memory value for the duration of a read,
// preventing the sweep engine from releasing it concurrently. The returned
// release func must be called exactly once when the read completes.
func (e *Entry) Acquire() (release func()) {
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.refs--
			e.mu.Unlock()
		})
	}
}

// ReleaseIfEvictable releases the in-memory value if the entry has a valid
// disk pointer, no open reader is pinning it, and it was not promoted
// during the immediately preceding sweep pass. An entry shielded by
// recentlyPromoted loses the shield (but keeps its value) on the call that
// finds it, so the following pass is free to evict it.
func (e *Entry) ReleaseIfEvictable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Disk.Valid() || e.refs > 0 {
		return false
	}
	if e.recentlyPromoted {
		e.recentlyPromoted = false
		return false
	}
	if e.value == nil {
		return false
	}
	e.value = nil
	return true
}
