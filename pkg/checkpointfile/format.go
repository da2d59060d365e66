// Package checkpointfile implements the on-disk checkpoint file layout:
// a header, a sorted stream of key/value blocks, a sparse index mapping
// each block's first key to its file offset, and a footer carrying the
// index location and a whole-file checksum. Files carry a magic and
// version header, manually packed binary fields, a CRC32 Castagnoli
// checksum, and are published with an atomic temp-file-then-rename.
package checkpointfile

import "encoding/binary"

const (
	magic         uint32 = 0x54535446 // "TSTF"
	formatVersion uint16 = 1

	headerSize = 4 + 2 + 4 // magic + version + blockSize
	footerSize = 8 + 4 + 4 // indexOffset + indexSize + crc32

	// DefaultBlockSize bounds how many bytes of records accumulate
	// before a block is flushed and registered in the sparse index.
	DefaultBlockSize = 64 * 1024
)

// Kind mirrors version.Kind without importing pkg/version, so this package
// stays usable as a narrow, dependency-free on-disk format.
type Kind uint8

const (
	KindInserted Kind = iota
	KindUpdated
	KindDeleted
)

// record is one (key, vsn, kind, value) tuple as it appears in a block.
// Encoding: keyLen(4) key vsn(8) kind(1) valueLen(4) value.
func encodeRecord(buf []byte, key []byte, vsn uint64, kind Kind, value []byte) []byte {
	var tmp [13]byte
	binary.BigEndian.PutUint32(tmp[0:4], uint32(len(key)))
	buf = append(buf, tmp[0:4]...)
	buf = append(buf, key...)

	binary.BigEndian.PutUint64(tmp[0:8], vsn)
	tmp[8] = byte(kind)
	buf = append(buf, tmp[0:9]...)

	binary.BigEndian.PutUint32(tmp[0:4], uint32(len(value)))
	buf = append(buf, tmp[0:4]...)
	buf = append(buf, value...)
	return buf
}

// decodeRecord parses one record starting at offset 0 of data, returning
// the number of bytes consumed.
func decodeRecord(data []byte) (key []byte, vsn uint64, kind Kind, value []byte, n int, ok bool) {
	if len(data) < 4 {
		return nil, 0, 0, nil, 0, false
	}
	keyLen := binary.BigEndian.Uint32(data[0:4])
	off := 4
	if len(data) < off+int(keyLen)+9+4 {
		return nil, 0, 0, nil, 0, false
	}
	key = data[off : off+int(keyLen)]
	off += int(keyLen)

	vsn = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	kind = Kind(data[off])
	off += 1

	valueLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+int(valueLen) {
		return nil, 0, 0, nil, 0, false
	}
	value = data[off : off+int(valueLen)]
	off += int(valueLen)

	return key, vsn, kind, value, off, true
}

// indexEntry is one sparse-index row: the first key of a block and that
// block's byte offset within the file.
type indexEntry struct {
	key    []byte
	offset uint64
}

func encodeIndexEntry(buf []byte, e indexEntry) []byte {
	var tmp [12]byte
	binary.BigEndian.PutUint32(tmp[0:4], uint32(len(e.key)))
	binary.BigEndian.PutUint64(tmp[4:12], e.offset)
	buf = append(buf, tmp[0:4]...)
	buf = append(buf, e.key...)
	buf = append(buf, tmp[4:12]...)
	return buf
}

func decodeIndexEntry(data []byte) (indexEntry, int, bool) {
	if len(data) < 4 {
		return indexEntry{}, 0, false
	}
	keyLen := binary.BigEndian.Uint32(data[0:4])
	if len(data) < 4+int(keyLen)+8 {
		return indexEntry{}, 0, false
	}
	key := data[4 : 4+int(keyLen)]
	offset := binary.BigEndian.Uint64(data[4+int(keyLen) : 4+int(keyLen)+8])
	return indexEntry{key: key, offset: offset}, 4 + int(keyLen) + 8, true
}
