package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/microsoft/go-tstore/pkg/apply"
	"github.com/microsoft/go-tstore/pkg/metadata"
	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/txn"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// CreateCheckpoint runs one Prepare/Perform/Complete cycle via the
// checkpoint pipeline, advances the apply engine's checkpoint LSN
// watermark, and deletes whichever checkpoint files the merge policy
// dropped. The apply engine is rebound onto the fresh differential
// generation inside the Prepare barrier itself, via the pipeline's
// OnPrepared hook, so no concurrent write can land in the frozen
// generation while Perform folds it.
func (s *Store) CreateCheckpoint(ctx context.Context) error {
	leave, err := s.enter()
	if err != nil {
		return err
	}
	defer leave()

	beforeFiles := s.meta.Current().Files

	if err := s.pipe.CreateCheckpoint(ctx); err != nil {
		return err
	}

	table := s.meta.Current()
	s.applyMu.Lock()
	s.applyEng.SetCheckpointLSN(table.CheckpointLSN, table.LegacyFormat)
	s.applyMu.Unlock()

	stillLive := make(map[uint64]bool, len(table.Files))
	for _, f := range table.Files {
		stillLive[f.FileID] = true
	}
	for _, f := range beforeFiles {
		if stillLive[f.FileID] {
			continue
		}
		s.readers.Evict(f.Path)
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: remove orphaned checkpoint file %q: %w", f.Path, err)
		}
	}
	return nil
}

// Backup copies the current metadata table and every checkpoint file it
// references into destDir: enough state to restore the store without
// replaying any redo log.
func (s *Store) Backup(ctx context.Context, destDir string) error {
	leave, err := s.enter()
	if err != nil {
		return err
	}
	defer leave()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}

	table := s.meta.Current()
	rebased := make([]metadata.FileDescriptor, len(table.Files))
	for i, f := range table.Files {
		dst := filepath.Join(destDir, filepath.Base(f.Path))
		if err := copyFile(f.Path, dst); err != nil {
			return fmt.Errorf("store: backup file %q: %w", f.Path, err)
		}
		rebased[i] = f
		rebased[i].Path = dst
	}

	backupMeta := &metadata.Table{CheckpointLSN: table.CheckpointLSN, Files: rebased, LegacyFormat: table.LegacyFormat}
	h := metadata.NewHolder(metadataPath(destDir), backupMeta)
	h.StageNext(backupMeta)
	return h.PublishNext()
}

// Restore populates destDir with the metadata table and checkpoint files
// a prior Backup wrote to srcDir. Callers Open a fresh Store against
// destDir afterward; Restore itself does not construct a Store.
func Restore(ctx context.Context, srcDir, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("store: restore: %w", err)
	}
	table, err := metadata.Load(metadataPath(srcDir))
	if err != nil {
		return fmt.Errorf("store: restore: read source metadata: %w", err)
	}

	rebased := make([]metadata.FileDescriptor, len(table.Files))
	for i, f := range table.Files {
		dst := filepath.Join(destDir, filepath.Base(f.Path))
		if err := copyFile(f.Path, dst); err != nil {
			return fmt.Errorf("store: restore file %q: %w", f.Path, err)
		}
		rebased[i] = f
		rebased[i].Path = dst
	}

	destMeta := &metadata.Table{CheckpointLSN: table.CheckpointLSN, Files: rebased, LegacyFormat: table.LegacyFormat}
	h := metadata.NewHolder(metadataPath(destDir), destMeta)
	h.StageNext(destMeta)
	return h.PublishNext()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// OpenCopyStream returns the ordered key/value/VSN feed a secondary
// replica bootstraps from, built from a Snapshot-isolated enumeration of
// this store's current state (replicator.Replicator.OnCopyStream's
// sending-side counterpart).
func (s *Store) OpenCopyStream(ctx context.Context) (replicator.CopyStream, error) {
	leave, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	t, err := s.Begin(ctx, txn.Snapshot)
	if err != nil {
		return nil, err
	}
	enum, err := s.CreateEnumerator(ctx, t, nil, nil)
	if err != nil {
		t.Close()
		return nil, err
	}
	return &copyStream{store: s, txn: t, enum: enum}, nil
}

type copyStream struct {
	store   *Store
	txn     *Txn
	enum    *Enumerator
	started bool
}

func (c *copyStream) Next(ctx context.Context) (types.Comparable, types.Value, uint64, bool, error) {
	if !c.started {
		c.started = true
	} else if !c.enum.Next() {
		return nil, nil, 0, false, nil
	}
	if !c.enum.Valid() {
		return nil, nil, 0, false, nil
	}
	value, err := c.enum.Value(c.store)
	if err != nil {
		return nil, nil, 0, false, err
	}
	return c.enum.Key(), value, c.enum.Vsn(), true, nil
}

func (c *copyStream) Close() error {
	c.enum.Close()
	return c.txn.Close()
}

// ApplyCopyStream consumes a CopyStream a primary produced via
// OpenCopyStream, writing every key/value directly into this store's live
// differential generation, the bootstrap path a secondary takes instead
// of replaying its own redo log from empty.
func (s *Store) ApplyCopyStream(ctx context.Context, stream replicator.CopyStream) error {
	leave, err := s.enter()
	if err != nil {
		return err
	}
	defer leave()

	s.applyMu.RLock()
	eng := s.applyEng
	s.applyMu.RUnlock()

	for {
		key, value, vsn, ok, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("store: copy stream: %w", err)
		}
		if !ok {
			return nil
		}
		op := apply.Operation{Vsn: vsn, Key: key, Kind: version.Inserted, Value: value}
		if err := eng.Apply(ctx, op, apply.Normal); err != nil {
			return fmt.Errorf("store: apply copied key: %w", err)
		}
	}
}
