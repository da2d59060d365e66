package checkpointfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// Reader opens a published checkpoint file and serves point lookups and
// full scans against its sorted record stream.
type Reader struct {
	path      string
	data      []byte
	blockSize int
	index     []indexEntry
	dataEnd   uint64 // offset where the record stream ends (start of index)
}

var ErrCorrupt = fmt.Errorf("checkpointfile: checksum mismatch")

// Open reads and validates a checkpoint file's footer and sparse index. It
// does not decode every record eagerly.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpointfile: read %q: %w", path, err)
	}
	if len(data) < headerSize+footerSize {
		return nil, fmt.Errorf("checkpointfile: %q too small to be valid", path)
	}

	gotMagic := binary.BigEndian.Uint32(data[0:4])
	if gotMagic != magic {
		return nil, fmt.Errorf("checkpointfile: %q has bad magic", path)
	}
	blockSize := binary.BigEndian.Uint32(data[6:10])

	footer := data[len(data)-footerSize:]
	indexOffset := binary.BigEndian.Uint64(footer[0:8])
	indexSize := binary.BigEndian.Uint32(footer[8:12])
	wantCRC := binary.BigEndian.Uint32(footer[12:16])

	body := data[:len(data)-footerSize]
	if calculateCRC32(body) != wantCRC {
		return nil, ErrCorrupt
	}

	indexBuf := data[indexOffset : indexOffset+uint64(indexSize)]
	var index []indexEntry
	for len(indexBuf) > 0 {
		e, n, ok := decodeIndexEntry(indexBuf)
		if !ok {
			return nil, fmt.Errorf("checkpointfile: %q has malformed index", path)
		}
		index = append(index, e)
		indexBuf = indexBuf[n:]
	}

	return &Reader{
		path:      path,
		data:      data,
		blockSize: int(blockSize),
		index:     index,
		dataEnd:   indexOffset,
	}, nil
}

// Get looks up key: binary search over the sparse index picks the
// candidate block, then a linear scan of that block finds the record.
// The index search compares keys byte-wise, so Get is only meaningful
// when the serialized key encoding preserves the store's key order; the
// recovery and point-reload paths use IteratePointers/ReadAt and do not
// depend on it.
func (r *Reader) Get(key []byte) (vsn uint64, kind Kind, value []byte, ok bool) {
	if len(r.index) == 0 {
		return 0, 0, nil, false
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) > 0
	})
	if i == 0 {
		return 0, 0, nil, false
	}
	block := r.index[i-1]

	blockEnd := r.dataEnd
	if i < len(r.index) {
		blockEnd = r.index[i].offset
	}

	cursor := r.data[block.offset:blockEnd]
	for len(cursor) > 0 {
		k, v, kd, val, n, okDecode := decodeRecord(cursor)
		if !okDecode {
			break
		}
		if bytes.Equal(k, key) {
			return v, kd, val, true
		}
		cursor = cursor[n:]
	}
	return 0, 0, nil, false
}

// Iterate calls fn for every record in ascending key order. Returning
// false from fn stops iteration early.
func (r *Reader) Iterate(fn func(key []byte, vsn uint64, kind Kind, value []byte) bool) {
	cursor := r.data[headerSize:r.dataEnd]
	for len(cursor) > 0 {
		k, v, kd, val, n, ok := decodeRecord(cursor)
		if !ok {
			return
		}
		if !fn(k, v, kd, val) {
			return
		}
		cursor = cursor[n:]
	}
}

// IteratePointers calls fn for every record in ascending key order, same as
// Iterate, but additionally reports the absolute file offset and length of
// the value bytes so a caller rebuilding version entries on recovery can
// populate a disk pointer instead of keeping every value resident.
// Returning false from fn stops iteration early.
func (r *Reader) IteratePointers(fn func(key []byte, vsn uint64, kind Kind, value []byte, valueOffset uint64, valueLength uint32) bool) {
	cursor := r.data[headerSize:r.dataEnd]
	pos := uint64(headerSize)
	for len(cursor) > 0 {
		k, v, kd, val, n, ok := decodeRecord(cursor)
		if !ok {
			return
		}
		valueOffset := pos + uint64(n-len(val))
		if !fn(k, v, kd, val, valueOffset, uint32(len(val))) {
			return
		}
		cursor = cursor[n:]
		pos += uint64(n)
	}
}

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string {
	return r.path
}

// ReadAt returns a copy of the length bytes of value data starting at
// offset, the direct-positional load a version entry's disk pointer
// resolves through instead of a full key lookup.
func (r *Reader) ReadAt(offset uint64, length uint32) ([]byte, error) {
	end := offset + uint64(length)
	if offset > uint64(len(r.data)) || end > uint64(len(r.data)) {
		return nil, fmt.Errorf("checkpointfile: %q: offset %d+%d out of range (size %d)", r.path, offset, length, len(r.data))
	}
	out := make([]byte, length)
	copy(out, r.data[offset:end])
	return out, nil
}
