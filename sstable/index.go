package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/INLOpen/trigon/core"
)

// indexBuilder records one entry per sealed data block: the first (key, ts)
// in the block and the block's position in the file.
//
// Serialized entry:
//
//	first_key_len:u32 first_key first_ts:u64 offset:u64 length:u32
//
// all little-endian, with a trailing CRC32C over the whole payload.
type indexBuilder struct {
	entries []indexEntry
}

type indexEntry struct {
	firstKey []byte
	firstTs  uint64
	offset   uint64
	length   uint32
}

func (b *indexBuilder) Add(firstKey []byte, firstTs uint64, offset uint64, length uint32) {
	b.entries = append(b.entries, indexEntry{
		firstKey: append([]byte(nil), firstKey...),
		firstTs:  firstTs,
		offset:   offset,
		length:   length,
	})
}

func (b *indexBuilder) Build() []byte {
	var out []byte
	for _, e := range b.entries {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(e.firstKey)))
		out = append(out, e.firstKey...)
		out = binary.LittleEndian.AppendUint64(out, e.firstTs)
		out = binary.LittleEndian.AppendUint64(out, e.offset)
		out = binary.LittleEndian.AppendUint32(out, e.length)
	}
	out = binary.LittleEndian.AppendUint32(out, Checksum(out))
	return out
}

// blockIndex is the read-side view of the index block.
type blockIndex struct {
	entries []indexEntry
}

func parseBlockIndex(data []byte) (*blockIndex, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("index block of %d bytes is too short: %w", len(data), core.ErrCorruptBlock)
	}
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if actual := Checksum(data[:len(data)-4]); actual != stored {
		return nil, fmt.Errorf("index checksum %08x does not match stored %08x: %w", actual, stored, core.ErrCorruptBlock)
	}
	payload := data[:len(data)-4]

	idx := &blockIndex{}
	pos := 0
	for pos < len(payload) {
		if pos+4 > len(payload) {
			return nil, fmt.Errorf("truncated index entry at %d: %w", pos, core.ErrCorruptBlock)
		}
		keyLen := int(binary.LittleEndian.Uint32(payload[pos:]))
		pos += 4
		if pos+keyLen+20 > len(payload) {
			return nil, fmt.Errorf("truncated index entry at %d: %w", pos, core.ErrCorruptBlock)
		}
		e := indexEntry{
			firstKey: payload[pos : pos+keyLen],
			firstTs:  binary.LittleEndian.Uint64(payload[pos+keyLen:]),
			offset:   binary.LittleEndian.Uint64(payload[pos+keyLen+8:]),
			length:   binary.LittleEndian.Uint32(payload[pos+keyLen+16:]),
		}
		pos += keyLen + 20
		idx.entries = append(idx.entries, e)
	}
	return idx, nil
}

func (idx *blockIndex) numBlocks() int {
	return len(idx.entries)
}

// blockFor returns the position of the last block whose first entry is at
// or before (key, ts) in the global order; the entry, if present, must be
// in that block. Returns 0 when the target precedes every block.
func (idx *blockIndex) blockFor(key []byte, ts uint64) int {
	n := sort.Search(len(idx.entries), func(i int) bool {
		e := idx.entries[i]
		return core.CompareKeyTs(e.firstKey, e.firstTs, key, ts) > 0
	})
	if n == 0 {
		return 0
	}
	return n - 1
}
