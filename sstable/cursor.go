package sstable

import (
	"github.com/INLOpen/trigon/core"
)

// Cursor iterates a whole table, stitching block cursors together through
// the index. It holds a reference on the reader for its lifetime.
type Cursor struct {
	reader *Reader
	pos    int // index position of the loaded block; -1 when none
	block  *blockCursor
	err    error
	closed bool
}

var _ core.Cursor = (*Cursor)(nil)

// NewCursor returns an unpositioned cursor over the table.
func (r *Reader) NewCursor() *Cursor {
	r.Ref()
	return &Cursor{reader: r, pos: -1}
}

// loadBlock reads and decodes the block at index position pos.
func (c *Cursor) loadBlock(pos int) bool {
	data, err := c.reader.readBlock(pos)
	if err != nil {
		c.err = err
		c.block = nil
		return false
	}
	bc, err := newBlockCursor(data)
	if err != nil {
		c.err = err
		c.block = nil
		return false
	}
	c.pos = pos
	c.block = bc
	return true
}

func (c *Cursor) SeekToFirst() {
	if c.err != nil {
		return
	}
	if c.reader.index.numBlocks() == 0 {
		c.block = nil
		return
	}
	if !c.loadBlock(0) {
		return
	}
	c.block.SeekToFirst()
	c.skipForwardIfExhausted()
}

func (c *Cursor) SeekToLast() {
	if c.err != nil {
		return
	}
	n := c.reader.index.numBlocks()
	if n == 0 {
		c.block = nil
		return
	}
	if !c.loadBlock(n - 1) {
		return
	}
	c.block.SeekToLast()
}

func (c *Cursor) Seek(key []byte, ts uint64) {
	if c.err != nil {
		return
	}
	if c.reader.index.numBlocks() == 0 {
		c.block = nil
		return
	}
	pos := c.reader.index.blockFor(key, ts)
	if !c.loadBlock(pos) {
		return
	}
	c.block.Seek(key, ts)
	c.skipForwardIfExhausted()
}

// skipForwardIfExhausted advances to the next block's first entry when the
// current block cursor ran off its end.
func (c *Cursor) skipForwardIfExhausted() {
	for c.block != nil && !c.block.Valid() && c.block.Err() == nil {
		next := c.pos + 1
		if next >= c.reader.index.numBlocks() {
			return
		}
		if !c.loadBlock(next) {
			return
		}
		c.block.SeekToFirst()
	}
}

func (c *Cursor) Next() bool {
	if c.err != nil || c.block == nil || !c.block.Valid() {
		return false
	}
	if c.block.Next() {
		return true
	}
	if err := c.block.Err(); err != nil {
		c.err = err
		return false
	}
	next := c.pos + 1
	if next >= c.reader.index.numBlocks() {
		return false
	}
	if !c.loadBlock(next) {
		return false
	}
	c.block.SeekToFirst()
	return c.Valid()
}

func (c *Cursor) Prev() bool {
	if c.err != nil || c.block == nil || !c.block.Valid() {
		return false
	}
	if c.block.Prev() {
		return true
	}
	if err := c.block.Err(); err != nil {
		c.err = err
		return false
	}
	prev := c.pos - 1
	if prev < 0 {
		return false
	}
	if !c.loadBlock(prev) {
		return false
	}
	c.block.SeekToLast()
	return c.Valid()
}

func (c *Cursor) Valid() bool {
	return c.err == nil && c.block != nil && c.block.Valid()
}

func (c *Cursor) Key() []byte {
	if c.block == nil {
		return nil
	}
	return c.block.Key()
}

func (c *Cursor) Ts() uint64 {
	if c.block == nil {
		return 0
	}
	return c.block.Ts()
}

func (c *Cursor) Value() []byte {
	if c.block == nil {
		return nil
	}
	return c.block.Value()
}

func (c *Cursor) IsTombstone() bool {
	if c.block == nil {
		return false
	}
	return c.block.IsTombstone()
}

func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.block != nil {
		return c.block.Err()
	}
	return nil
}

// Close releases the cursor's reference on the reader.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.block = nil
	return c.reader.Unref()
}
