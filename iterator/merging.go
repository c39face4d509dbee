package iterator

import (
	"container/heap"

	"github.com/INLOpen/trigon/core"
)

type direction int

const (
	dirForward direction = iota
	dirBackward
)

// Merging is a cursor over the union of its child cursors, yielding entries
// in the global (key ASC, ts DESC) order. On a (key, ts) tie the child with
// the lower priority wins first; callers assign priorities so newer tables
// sort lower. Merging satisfies core.Cursor and composes with any mix of
// block, table, and nested merging cursors.
type Merging struct {
	sources []*source
	heap    sourceHeap
	dir     direction
	err     error
	closed  bool
}

var _ core.Cursor = (*Merging)(nil)

// NewMerging wraps the children in merge order. The i-th child gets
// priority i: list newer sources first.
func NewMerging(children []core.Cursor) *Merging {
	m := &Merging{}
	for i, c := range children {
		m.sources = append(m.sources, &source{cursor: c, priority: i})
	}
	return m
}

// rebuild collects the valid children into the heap for the given
// direction, capturing the first child error encountered.
func (m *Merging) rebuild(dir direction) {
	m.dir = dir
	m.heap.reverse = dir == dirBackward
	m.heap.items = m.heap.items[:0]
	for _, s := range m.sources {
		if err := s.cursor.Err(); err != nil && m.err == nil {
			m.err = err
		}
		if s.cursor.Valid() {
			m.heap.items = append(m.heap.items, s)
		}
	}
	heap.Init(&m.heap)
}

func (m *Merging) SeekToFirst() {
	if m.err != nil {
		return
	}
	for _, s := range m.sources {
		s.cursor.SeekToFirst()
	}
	m.rebuild(dirForward)
}

func (m *Merging) SeekToLast() {
	if m.err != nil {
		return
	}
	for _, s := range m.sources {
		s.cursor.SeekToLast()
	}
	m.rebuild(dirBackward)
}

func (m *Merging) Seek(key []byte, ts uint64) {
	if m.err != nil {
		return
	}
	for _, s := range m.sources {
		s.cursor.Seek(key, ts)
	}
	m.rebuild(dirForward)
}

// switchDirection repositions every non-winning child relative to the
// current entry and rebuilds the heap the other way around.
func (m *Merging) switchDirection(to direction) {
	top := m.heap.top()
	if top == nil {
		return
	}
	key := append([]byte(nil), top.cursor.Key()...)
	ts := top.cursor.Ts()
	for _, s := range m.sources {
		if s == top {
			continue
		}
		if to == dirBackward {
			// Position strictly before the current entry, accounting for
			// equal (key, ts) in another source: those sort by priority,
			// and in reverse the higher priority comes first.
			s.cursor.Seek(key, ts)
			for s.cursor.Valid() {
				c := core.CompareKeyTs(s.cursor.Key(), s.cursor.Ts(), key, ts)
				if c > 0 || (c == 0 && s.priority > top.priority) {
					break
				}
				if !s.cursor.Next() {
					break
				}
			}
			if s.cursor.Valid() {
				s.cursor.Prev()
			} else if s.cursor.Err() == nil {
				s.cursor.SeekToLast()
			}
		} else {
			// Position strictly after the current entry.
			s.cursor.Seek(key, ts)
			for s.cursor.Valid() {
				c := core.CompareKeyTs(s.cursor.Key(), s.cursor.Ts(), key, ts)
				if c > 0 || (c == 0 && s.priority > top.priority) {
					break
				}
				if !s.cursor.Next() {
					break
				}
			}
		}
	}
	m.rebuild(to)
	// The rebuild dropped nothing: the previous winner is still valid and
	// still the top in the new direction, because everything else moved
	// strictly past it.
}

func (m *Merging) Next() bool {
	if m.err != nil || m.heap.Len() == 0 {
		return false
	}
	if m.dir == dirBackward {
		m.switchDirection(dirForward)
		if m.err != nil || m.heap.Len() == 0 {
			return false
		}
	}
	top := m.heap.top()
	if top.cursor.Next() {
		heap.Fix(&m.heap, 0)
	} else {
		if err := top.cursor.Err(); err != nil {
			m.err = err
			return false
		}
		heap.Pop(&m.heap)
	}
	return m.Valid()
}

func (m *Merging) Prev() bool {
	if m.err != nil || m.heap.Len() == 0 {
		return false
	}
	if m.dir == dirForward {
		m.switchDirection(dirBackward)
		if m.err != nil || m.heap.Len() == 0 {
			return false
		}
	}
	top := m.heap.top()
	if top.cursor.Prev() {
		heap.Fix(&m.heap, 0)
	} else {
		if err := top.cursor.Err(); err != nil {
			m.err = err
			return false
		}
		heap.Pop(&m.heap)
	}
	return m.Valid()
}

func (m *Merging) Valid() bool {
	return m.err == nil && m.heap.Len() > 0 && m.heap.top().cursor.Valid()
}

func (m *Merging) Key() []byte {
	if top := m.heap.top(); top != nil {
		return top.cursor.Key()
	}
	return nil
}

func (m *Merging) Ts() uint64 {
	if top := m.heap.top(); top != nil {
		return top.cursor.Ts()
	}
	return 0
}

func (m *Merging) Value() []byte {
	if top := m.heap.top(); top != nil {
		return top.cursor.Value()
	}
	return nil
}

func (m *Merging) IsTombstone() bool {
	if top := m.heap.top(); top != nil {
		return top.cursor.IsTombstone()
	}
	return false
}

func (m *Merging) Err() error {
	if m.err != nil {
		return m.err
	}
	for _, s := range m.sources {
		if err := s.cursor.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every child cursor and returns the first close error.
func (m *Merging) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var first error
	for _, s := range m.sources {
		if err := s.cursor.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
