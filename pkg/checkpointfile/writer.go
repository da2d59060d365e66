package checkpointfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Writer accumulates records in ascending key order and publishes them as
// one checkpoint file. Callers must feed keys in strictly ascending order;
// Writer does not sort.
type Writer struct {
	path      string
	tmpPath   string
	file      *os.File
	blockSize int

	block      []byte
	blockFirst []byte
	offset     uint64
	index      []indexEntry

	data []byte // buffers header + all flushed blocks for the final CRC
}

// NewWriter creates a writer that will publish to path atomically on
// Close. blockSize <= 0 uses DefaultBlockSize.
func NewWriter(path string, blockSize int) (*Writer, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("checkpointfile: create temp file: %w", err)
	}

	w := &Writer{path: path, tmpPath: tmpPath, file: f, blockSize: blockSize}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint16(header[4:6], formatVersion)
	binary.BigEndian.PutUint32(header[6:10], uint32(blockSize))
	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("checkpointfile: write header: %w", err)
	}
	w.data = append(w.data, header...)
	w.offset = uint64(headerSize)
	return w, nil
}

// Add appends one record to the current block, then flushes the block once
// it has reached blockSize. It returns the absolute file offset and
// length of value's bytes within the eventual published file, so the caller
// can stash them as a version entry's disk pointer and later reload just the
// value without re-walking the record's key/vsn/kind prefix.
func (w *Writer) Add(key []byte, vsn uint64, kind Kind, value []byte) (valueOffset uint64, valueLength uint32, err error) {
	if w.blockFirst == nil {
		w.blockFirst = append([]byte(nil), key...)
	}
	recordPrefix := 4 + len(key) + 8 + 1 + 4
	valueOffset = w.offset + uint64(len(w.block)) + uint64(recordPrefix)
	valueLength = uint32(len(value))

	w.block = encodeRecord(w.block, key, vsn, kind, value)
	if len(w.block) >= w.blockSize {
		if err := w.flushBlock(); err != nil {
			return 0, 0, err
		}
	}
	return valueOffset, valueLength, nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	if _, err := w.file.Write(w.block); err != nil {
		return fmt.Errorf("checkpointfile: write block: %w", err)
	}
	w.index = append(w.index, indexEntry{key: w.blockFirst, offset: w.offset})
	w.data = append(w.data, w.block...)
	w.offset += uint64(len(w.block))
	w.block = nil
	w.blockFirst = nil
	return nil
}

// Close flushes the final partial block, writes the sparse index and
// footer, fsyncs, and atomically renames the temp file into place.
func (w *Writer) Close() error {
	if err := w.flushBlock(); err != nil {
		w.abort()
		return err
	}

	indexOffset := w.offset
	var indexBuf []byte
	for _, e := range w.index {
		indexBuf = encodeIndexEntry(indexBuf, e)
	}
	if _, err := w.file.Write(indexBuf); err != nil {
		w.abort()
		return fmt.Errorf("checkpointfile: write index: %w", err)
	}
	w.data = append(w.data, indexBuf...)

	crc := calculateCRC32(w.data)

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint64(footer[0:8], indexOffset)
	binary.BigEndian.PutUint32(footer[8:12], uint32(len(indexBuf)))
	binary.BigEndian.PutUint32(footer[12:16], crc)
	if _, err := w.file.Write(footer); err != nil {
		w.abort()
		return fmt.Errorf("checkpointfile: write footer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("checkpointfile: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("checkpointfile: close: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("checkpointfile: ensure dir: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("checkpointfile: publish rename: %w", err)
	}
	return nil
}

func (w *Writer) abort() {
	w.file.Close()
	os.Remove(w.tmpPath)
}
