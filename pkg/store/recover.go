package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/microsoft/go-tstore/pkg/checkpointfile"
	"github.com/microsoft/go-tstore/pkg/consolidated"
	tstoreerrors "github.com/microsoft/go-tstore/pkg/errors"
	"github.com/microsoft/go-tstore/pkg/metadata"
	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/types"
	"github.com/microsoft/go-tstore/pkg/version"
)

// recoverConsolidated rebuilds the consolidated generation from every
// checkpoint file the metadata table references. A key can physically
// appear in more than one file when the merge policy leaves old
// generations in place (MergeByFileCount/MergeByInvalidEntries):
// whichever occurrence has the highest VSN is the live one, and
// if that occurrence is a tombstone the key has no place in consolidated
// state at all, mirroring how the checkpoint pipeline's own perform() phase
// drops tombstones from the generation it builds.
func recoverConsolidated(cmp func(a, b types.Comparable) int, ks replicator.KeySerializer, readers *checkpointfile.ReaderPool, files []metadata.FileDescriptor) (*consolidated.Consolidated, []types.Comparable, error) {
	if len(files) == 0 {
		return consolidated.Empty(cmp), nil, nil
	}

	type candidate struct {
		key   types.Comparable
		entry *version.Entry
	}
	best := make(map[string]candidate)

	for _, fd := range files {
		r, err := readers.Acquire(fd.Path)
		if err != nil {
			if errors.Is(err, checkpointfile.ErrCorrupt) {
				return nil, nil, &tstoreerrors.CorruptionError{Path: fd.Path, Reason: "checkpoint file checksum mismatch"}
			}
			return nil, nil, &tstoreerrors.IoFailureError{Path: fd.Path, Err: err}
		}

		var iterErr error
		r.IteratePointers(func(keyBytes []byte, vsn uint64, kind checkpointfile.Kind, _ []byte, valueOffset uint64, valueLength uint32) bool {
			key, err := ks.DeserializeKey(keyBytes)
			if err != nil {
				iterErr = fmt.Errorf("deserialize key: %w", err)
				return false
			}

			k := fmt.Sprint(key)
			if existing, ok := best[k]; ok && existing.entry.Vsn >= vsn {
				return true
			}

			vkind := version.Updated
			switch kind {
			case checkpointfile.KindInserted:
				vkind = version.Inserted
			case checkpointfile.KindDeleted:
				vkind = version.Deleted
			}

			entry := version.NewEntry(vkind, vsn, nil)
			if vkind != version.Deleted {
				entry.Disk = version.DiskPointer{FileID: fd.FileID, Offset: valueOffset, Length: valueLength}
			}
			best[k] = candidate{key: key, entry: entry}
			return true
		})
		if iterErr != nil {
			return nil, nil, fmt.Errorf("store: checkpoint file %q: %w", fd.Path, iterErr)
		}
	}

	live := make([]candidate, 0, len(best))
	for _, c := range best {
		if !c.entry.IsTombstone() {
			live = append(live, c)
		}
	}
	sort.Slice(live, func(i, j int) bool { return cmp(live[i].key, live[j].key) < 0 })

	builder := consolidated.NewBuilder(cmp, consolidated.DefaultPartitionSize)
	keys := make([]types.Comparable, 0, len(live))
	for _, c := range live {
		builder.Add(c.key, c.entry)
		keys = append(keys, c.key)
	}
	return builder.Build(), keys, nil
}
