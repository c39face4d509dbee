package iterator

import (
	"sort"

	"github.com/INLOpen/trigon/core"
)

// sliceCursor is an in-memory cursor over a sorted entry slice, used to
// exercise the merging and snapshot cursors without files.
type sliceCursor struct {
	entries []core.Entry
	pos     int
	closed  bool
}

var _ core.Cursor = (*sliceCursor)(nil)

func newSliceCursor(entries []core.Entry) *sliceCursor {
	sorted := append([]core.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return core.CompareEntries(&sorted[i], &sorted[j]) < 0
	})
	return &sliceCursor{entries: sorted, pos: -1}
}

func (c *sliceCursor) SeekToFirst() {
	c.pos = 0
}

func (c *sliceCursor) SeekToLast() {
	c.pos = len(c.entries) - 1
}

func (c *sliceCursor) Seek(key []byte, ts uint64) {
	c.pos = sort.Search(len(c.entries), func(i int) bool {
		return core.CompareKeyTs(c.entries[i].Key, c.entries[i].Ts, key, ts) >= 0
	})
}

func (c *sliceCursor) Next() bool {
	if c.pos < len(c.entries) {
		c.pos++
	}
	return c.Valid()
}

func (c *sliceCursor) Prev() bool {
	if c.pos >= 0 {
		c.pos--
	}
	return c.Valid()
}

func (c *sliceCursor) Valid() bool {
	return c.pos >= 0 && c.pos < len(c.entries)
}

func (c *sliceCursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.entries[c.pos].Key
}

func (c *sliceCursor) Ts() uint64 {
	if !c.Valid() {
		return 0
	}
	return c.entries[c.pos].Ts
}

func (c *sliceCursor) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.entries[c.pos].Value
}

func (c *sliceCursor) IsTombstone() bool {
	if !c.Valid() {
		return false
	}
	return c.entries[c.pos].IsTombstone()
}

func (c *sliceCursor) Err() error   { return nil }
func (c *sliceCursor) Close() error { c.closed = true; return nil }
