// Package wal implements the fixed-size, CRC-protected marker log the
// replicator uses to durably record transaction and checkpoint
// boundaries: Begin, Commit and Abort markers stamped with an LSN,
// replayed on recovery to reconstruct the commit point a store must
// resume from. Markers carry no payload of their own; row-level state is
// the checkpoint pipeline's concern once a Commit marker confirms a
// batch of operations actually landed.
package wal

import "encoding/binary"

// Constantes do formato
const (
	RecordSize = 20 // tamanho fixo de um marker em bytes
	WALVersion = 1  // versão atual do formato

	// Magic Number para validação rápida (0xDEADBEEF)
	WALMagic = 0xDEADBEEF
)

// Tipos de marker (EntryType): a marker log tracks only transaction and
// checkpoint boundaries, not row-level operations.
const (
	EntryBegin  uint8 = iota + 1 // 1: Begin Transaction
	EntryCommit                  // 2: Commit
	EntryAbort                   // 3: Rollback
)

// WALEntry é um marker: a transaction or checkpoint boundary stamped with
// the LSN it happened at. Wire layout, little-endian:
// magic(4) version(1) type(1) reserved(2) lsn(8) crc32(4), with the CRC
// covering the 16 bytes before it.
type WALEntry struct {
	EntryType uint8
	LSN       uint64
}

// Encode frames the marker into buf, which must hold RecordSize bytes.
// Magic, version and checksum are wire concerns the writer owns; callers
// only populate EntryType and LSN.
func (e *WALEntry) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], WALMagic)
	buf[4] = WALVersion
	buf[5] = e.EntryType
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], e.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], CalculateCRC32(buf[0:16]))
}

// decode parses one framed marker, validating magic, version and
// checksum before touching the fields.
func (e *WALEntry) decode(buf []byte) error {
	if binary.LittleEndian.Uint32(buf[0:4]) != WALMagic {
		return ErrInvalidMagic
	}
	if !ValidateCRC32(buf[0:16], binary.LittleEndian.Uint32(buf[16:20])) {
		return ErrChecksumMismatch
	}
	if buf[4] > WALVersion {
		return ErrUnsupportedVersion
	}
	e.EntryType = buf[5]
	e.LSN = binary.LittleEndian.Uint64(buf[8:16])
	return nil
}
