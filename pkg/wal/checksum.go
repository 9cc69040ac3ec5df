package wal

import "hash/crc32"

// ieeeTable is the standard reflected CRC-32 polynomial (0xEDB88320),
// matching crc32.IEEE. The on-disk frame format is a fixed byte layout
// (spec §4.2), so the checksum algorithm is part of that format and
// cannot be swapped for Castagnoli without breaking compatibility.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the CRC32 over a frame's header and payload.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, ieeeTable)
}

// ValidateChecksum reports whether data's checksum matches expected.
func ValidateChecksum(data []byte, expected uint32) bool {
	return Checksum(data) == expected
}
