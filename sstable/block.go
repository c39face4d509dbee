package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/INLOpen/trigon/core"
)

// blockBuilder assembles one prefix-compressed data block. Entries arrive
// in the global (key ASC, ts DESC) order; every restartInterval-th entry is
// a restart point with no shared prefix.
//
// Record layout:
//
//	shared:uvarint unshared:uvarint value_len:uvarint ts:uvarint
//	key_suffix[unshared] value[value_len]
//
// value_len of 0xFFFFFFFF marks a tombstone and no value bytes follow.
// The block tail is the restart offsets in reverse offset order, the
// restart count, and a CRC32C over every preceding byte.
type blockBuilder struct {
	restartInterval int

	buf      []byte
	restarts []uint32
	counter  int
	lastKey  []byte
	entries  int
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval < 1 {
		restartInterval = DefaultRestartInterval
	}
	return &blockBuilder{restartInterval: restartInterval}
}

// Add appends one entry. The caller guarantees ordering.
func (b *blockBuilder) Add(e *core.Entry) {
	var shared int
	if b.counter%b.restartInterval == 0 {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
	} else {
		limit := len(e.Key)
		if len(b.lastKey) < limit {
			limit = len(b.lastKey)
		}
		for shared < limit && e.Key[shared] == b.lastKey[shared] {
			shared++
		}
	}

	b.buf = binary.AppendUvarint(b.buf, uint64(shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(e.Key)-shared))
	if e.IsTombstone() {
		b.buf = binary.AppendUvarint(b.buf, tombstoneSentinel)
	} else {
		b.buf = binary.AppendUvarint(b.buf, uint64(len(e.Value)))
	}
	b.buf = binary.AppendUvarint(b.buf, e.Ts)
	b.buf = append(b.buf, e.Key[shared:]...)
	if !e.IsTombstone() {
		b.buf = append(b.buf, e.Value...)
	}

	b.lastKey = append(b.lastKey[:0], e.Key...)
	b.counter++
	b.entries++
}

// EstimatedSize is the block size if Finish were called now.
func (b *blockBuilder) EstimatedSize() int {
	return len(b.buf) + 4*len(b.restarts) + blockTrailerLen
}

// Empty reports whether no entries have been added since the last Reset.
func (b *blockBuilder) Empty() bool {
	return b.entries == 0
}

// Finish appends the restart array, count, and checksum, and returns the
// completed block. The builder must be Reset before reuse.
func (b *blockBuilder) Finish() []byte {
	for i := len(b.restarts) - 1; i >= 0; i-- {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, b.restarts[i])
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(b.restarts)))
	b.buf = binary.LittleEndian.AppendUint32(b.buf, Checksum(b.buf))
	return b.buf
}

func (b *blockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = b.restarts[:0]
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.entries = 0
}

// blockCursor iterates a single decoded block. It satisfies core.Cursor.
type blockCursor struct {
	data     []byte   // entry records only, trailer stripped
	restarts []uint32 // ascending offsets

	offset  int // start offset of the current entry
	nextOff int // start offset of the following entry
	key     []byte
	ts      uint64
	value   []byte
	tomb    bool
	valid   bool
	err     error
}

var _ core.Cursor = (*blockCursor)(nil)

// newBlockCursor validates the block checksum and trailer and returns a
// cursor over its records.
func newBlockCursor(block []byte) (*blockCursor, error) {
	if len(block) < blockTrailerLen {
		return nil, fmt.Errorf("block of %d bytes is shorter than its trailer: %w", len(block), core.ErrMalformedBlock)
	}
	stored := binary.LittleEndian.Uint32(block[len(block)-4:])
	if actual := Checksum(block[:len(block)-4]); actual != stored {
		return nil, fmt.Errorf("block checksum %08x does not match stored %08x: %w", actual, stored, core.ErrCorruptBlock)
	}
	count := int(binary.LittleEndian.Uint32(block[len(block)-8:]))
	restartsStart := len(block) - blockTrailerLen - 4*count
	if restartsStart < 0 {
		return nil, fmt.Errorf("block of %d bytes cannot hold %d restarts: %w", len(block), count, core.ErrMalformedBlock)
	}
	restarts := make([]uint32, count)
	for i := 0; i < count; i++ {
		// Stored in reverse offset order; undo it.
		restarts[count-1-i] = binary.LittleEndian.Uint32(block[restartsStart+4*i:])
	}
	for i, r := range restarts {
		if int(r) >= restartsStart && !(r == 0 && restartsStart == 0) {
			return nil, fmt.Errorf("restart %d offset %d beyond entry data of %d bytes: %w", i, r, restartsStart, core.ErrMalformedBlock)
		}
		if i > 0 && restarts[i-1] >= r {
			return nil, fmt.Errorf("restart offsets not increasing: %w", core.ErrMalformedBlock)
		}
	}
	return &blockCursor{data: block[:restartsStart], restarts: restarts}, nil
}

// decodeAt decodes the record starting at offset, reconstructing the key
// from prevKey. It updates the cursor position and returns false on error.
func (c *blockCursor) decodeAt(offset int, prevKey []byte) bool {
	data := c.data
	pos := offset

	shared, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return c.fail(offset, "shared length")
	}
	pos += n
	unshared, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return c.fail(offset, "unshared length")
	}
	pos += n
	valueLen, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return c.fail(offset, "value length")
	}
	pos += n
	ts, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return c.fail(offset, "timestamp")
	}
	pos += n

	if int(shared) > len(prevKey) {
		c.valid = false
		c.err = fmt.Errorf("record at %d shares %d bytes but previous key has %d: %w",
			offset, shared, len(prevKey), core.ErrMalformedBlock)
		return false
	}
	if pos+int(unshared) > len(data) {
		return c.fail(offset, "key suffix")
	}
	key := make([]byte, shared+unshared)
	copy(key, prevKey[:shared])
	copy(key[shared:], data[pos:pos+int(unshared)])
	pos += int(unshared)

	tomb := valueLen == tombstoneSentinel
	var value []byte
	if !tomb {
		if pos+int(valueLen) > len(data) {
			return c.fail(offset, "value")
		}
		value = data[pos : pos+int(valueLen)]
		pos += int(valueLen)
	}

	c.offset = offset
	c.nextOff = pos
	c.key = key
	c.ts = ts
	c.value = value
	c.tomb = tomb
	c.valid = true
	return true
}

func (c *blockCursor) fail(offset int, field string) bool {
	c.valid = false
	c.err = fmt.Errorf("truncated record at offset %d reading %s: %w", offset, field, core.ErrMalformedBlock)
	return false
}

func (c *blockCursor) SeekToFirst() {
	if c.err != nil {
		return
	}
	if len(c.data) == 0 {
		c.valid = false
		return
	}
	c.decodeAt(0, nil)
}

func (c *blockCursor) SeekToLast() {
	if c.err != nil {
		return
	}
	if len(c.data) == 0 || len(c.restarts) == 0 {
		c.valid = false
		return
	}
	start := int(c.restarts[len(c.restarts)-1])
	if !c.decodeAt(start, nil) {
		return
	}
	for c.nextOff < len(c.data) {
		if !c.decodeAt(c.nextOff, c.key) {
			return
		}
	}
}

// Seek positions at the first entry with (key, ts) at or after the target
// in the global order: binary search over restarts, then a forward scan.
func (c *blockCursor) Seek(key []byte, ts uint64) {
	if c.err != nil {
		return
	}
	if len(c.data) == 0 || len(c.restarts) == 0 {
		c.valid = false
		return
	}
	// First restart whose entry sorts strictly after the target.
	idx := sort.Search(len(c.restarts), func(i int) bool {
		var probe blockCursor
		probe.data = c.data
		if !probe.decodeAt(int(c.restarts[i]), nil) {
			return false
		}
		return core.CompareKeyTs(probe.key, probe.ts, key, ts) > 0
	})
	start := 0
	if idx > 0 {
		start = int(c.restarts[idx-1])
	}
	if !c.decodeAt(start, nil) {
		return
	}
	for core.CompareKeyTs(c.key, c.ts, key, ts) < 0 {
		if c.nextOff >= len(c.data) {
			c.valid = false
			return
		}
		if !c.decodeAt(c.nextOff, c.key) {
			return
		}
	}
}

func (c *blockCursor) Next() bool {
	if c.err != nil || !c.valid {
		return false
	}
	if c.nextOff >= len(c.data) {
		c.valid = false
		return false
	}
	return c.decodeAt(c.nextOff, c.key)
}

// Prev rewinds to the nearest restart before the current entry and scans
// forward to the record immediately preceding it.
func (c *blockCursor) Prev() bool {
	if c.err != nil || !c.valid {
		return false
	}
	target := c.offset
	if target == 0 {
		c.valid = false
		return false
	}
	idx := sort.Search(len(c.restarts), func(i int) bool {
		return int(c.restarts[i]) >= target
	})
	if idx == 0 {
		c.valid = false
		return false
	}
	start := int(c.restarts[idx-1])
	if !c.decodeAt(start, nil) {
		return false
	}
	for c.nextOff < target {
		if !c.decodeAt(c.nextOff, c.key) {
			return false
		}
	}
	return true
}

func (c *blockCursor) Valid() bool       { return c.valid && c.err == nil }
func (c *blockCursor) Key() []byte       { return c.key }
func (c *blockCursor) Ts() uint64        { return c.ts }
func (c *blockCursor) Value() []byte     { return c.value }
func (c *blockCursor) IsTombstone() bool { return c.tomb }
func (c *blockCursor) Err() error        { return c.err }
func (c *blockCursor) Close() error      { return nil }
