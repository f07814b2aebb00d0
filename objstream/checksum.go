package objstream

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of data, the checksum object
// stores attach to chunks.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ChecksummedChunk returns a chunk over data carrying its CRC32C.
func ChecksummedChunk(data []byte, generation int64) Chunk {
	sum := CRC32C(data)
	return Chunk{Data: data, CRC32C: &sum, Generation: generation}
}
