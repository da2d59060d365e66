package checkpointfile

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func calculateCRC32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}
