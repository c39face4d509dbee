package levels

import (
	"sync"
)

// Snapshot pins a point-in-time view of the tree: the table set at the
// moment it was taken and a timestamp ceiling. Later edits do not affect
// it; every pinned reader stays open until the snapshot closes.
type Snapshot struct {
	ts     uint64
	seq    uint64
	tables []*Table

	mu     sync.Mutex
	closed bool
}

// Snapshot pins the current table set under the given timestamp ceiling.
// The tables come back in read priority order: level 0 newest first, then
// each deeper level in key order.
func (m *Manager) Snapshot(ts uint64) *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Snapshot{ts: ts, seq: m.lastSeq}
	for level := range m.levels {
		for _, t := range m.levels[level] {
			t.Reader.Ref()
			s.tables = append(s.tables, t)
		}
	}
	return s
}

// Ts returns the snapshot's timestamp ceiling.
func (s *Snapshot) Ts() uint64 {
	return s.ts
}

// Seq returns the manifest sequence the snapshot observed.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// Tables returns the pinned tables in read priority order.
func (s *Snapshot) Tables() []*Table {
	return s.tables
}

// Close releases the snapshot's references. It is idempotent.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, t := range s.tables {
		if err := t.Reader.Unref(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
