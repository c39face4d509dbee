// Package sstable implements the immutable sorted table: the prefix
// compressed block codec, the bloom filter, and the writer, reader, and
// cursor over a whole file. Every file carries the setsum of its contents
// in the footer.
package sstable

import "hash/crc32"

const (
	// MagicNumber is the 8-byte constant at the very end of every SSTable.
	// Fixed with format version 1; never change it.
	MagicNumber uint64 = 0x0B1CEB100BB1E5E7

	// FormatVersion is the current file format version.
	FormatVersion uint32 = 1

	// DefaultRestartInterval is the number of entries between restart
	// points within a block.
	DefaultRestartInterval = 16

	// DefaultBlockSize is the uncompressed size a data block is sealed at.
	DefaultBlockSize = 4 * 1024

	// tombstoneSentinel is the reserved value_len marking a tombstone
	// record; tombstones store no value bytes.
	tombstoneSentinel = 0xFFFFFFFF

	// blockTrailerLen is the restart count plus the block checksum.
	blockTrailerLen = 4 + 4

	// footerTrailerLen is the fixed suffix of the footer:
	// footer_len(4) + version(4) + crc(4) + magic(8).
	footerTrailerLen = 4 + 4 + 4 + 8
)

// castagnoli is the CRC32C table used for every on-disk checksum.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}
