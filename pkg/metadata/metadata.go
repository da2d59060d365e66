// Package metadata implements the checkpoint metadata table: the
// checkpoint LSN plus the set of checkpoint files that make up the
// consolidated state, published as an atomically swapped (current, next)
// pointer pair.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileDescriptor describes one checkpoint file referenced by a Table.
type FileDescriptor struct {
	FileID     uint64
	Path       string
	LiveCount  uint64
	TotalCount uint64
	SizeBytes  uint64
}

// Table is one generation of the metadata: the LSN up to and including
// which redo operations are captured by Files, and the files themselves.
//
// CheckpointLSN of 0 combined with a nil/absent field in the serialized
// form (LegacyFormat) marks a file written by a format that predates
// per-operation idempotency tracking; the apply engine must disable
// idempotent-redo skipping when it sees this.
type Table struct {
	CheckpointLSN uint64
	Files         []FileDescriptor
	LegacyFormat  bool
}

// serialized matches Table's on-disk JSON shape. A legacy file simply omits
// checkpoint_lsn, which a pre-idempotency writer never populated.
type serialized struct {
	CheckpointLSN *uint64          `json:"checkpoint_lsn,omitempty"`
	Files         []FileDescriptor `json:"files"`
}

// Holder atomically publishes (current, next) metadata table pairs the way
// the checkpoint Complete phase requires: the next table only becomes
// current in a single pointer swap, never partially.
type Holder struct {
	mu      sync.RWMutex
	current *Table
	next    *Table
	path    string
}

// NewHolder wraps an initial table and the path its serialized form is
// published to.
func NewHolder(path string, initial *Table) *Holder {
	if initial == nil {
		initial = &Table{}
	}
	return &Holder{path: path, current: initial}
}

// Current returns the currently published table.
func (h *Holder) Current() *Table {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// StageNext records the table the in-progress checkpoint's Perform phase is
// building, visible to Current() only once PublishNext is called.
func (h *Holder) StageNext(t *Table) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = t
}

// PublishNext atomically makes the staged table current and persists it to
// disk via a temp-file-then-rename write, mirroring the checkpoint file's
// own publish discipline. It is the Complete phase's single atomic step.
func (h *Holder) PublishNext() error {
	h.mu.Lock()
	next := h.next
	h.mu.Unlock()
	if next == nil {
		return fmt.Errorf("metadata: no staged table to publish")
	}

	if err := writeAtomic(h.path, next); err != nil {
		return err
	}

	h.mu.Lock()
	h.current = next
	h.next = nil
	h.mu.Unlock()
	return nil
}

func writeAtomic(path string, t *Table) error {
	s := serialized{Files: t.Files}
	if !t.LegacyFormat {
		lsn := t.CheckpointLSN
		s.CheckpointLSN = &lsn
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metadata: ensure dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("metadata: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("metadata: publish rename: %w", err)
	}
	return nil
}

// Load reads a previously published metadata table from path. A table
// whose JSON omits checkpoint_lsn is flagged LegacyFormat so the apply
// engine knows it cannot trust idempotent-redo skipping for operations
// recovered against it.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: read %q: %w", path, err)
	}

	var s serialized
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("metadata: unmarshal %q: %w", path, err)
	}

	t := &Table{Files: s.Files}
	if s.CheckpointLSN != nil {
		t.CheckpointLSN = *s.CheckpointLSN
	} else {
		t.LegacyFormat = true
	}
	return t, nil
}
