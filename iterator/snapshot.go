package iterator

import (
	"bytes"
	"math"

	"github.com/INLOpen/trigon/core"
)

// Snapshot is the user-facing read view over a merged cursor: it yields at
// most one entry per key, the newest one at or below the snapshot
// timestamp, and suppresses keys whose newest visible entry is a tombstone.
// Compaction does not use this view; it consumes the raw merge.
type Snapshot struct {
	in core.Cursor
	ts uint64

	key   []byte
	curTs uint64
	value []byte
	valid bool
	dir   direction
	err   error
}

var _ core.Cursor = (*Snapshot)(nil)

// NewSnapshot wraps a sorted cursor with snapshot-read semantics. The
// wrapped cursor is owned by the snapshot and closed with it.
func NewSnapshot(in core.Cursor, snapshotTs uint64) *Snapshot {
	return &Snapshot{in: in, ts: snapshotTs}
}

func (s *Snapshot) SeekToFirst() {
	if s.err != nil {
		return
	}
	s.in.SeekToFirst()
	s.dir = dirForward
	s.findNextVisible(nil)
}

func (s *Snapshot) SeekToLast() {
	if s.err != nil {
		return
	}
	s.in.SeekToLast()
	s.dir = dirBackward
	s.findPrevVisible()
}

// Seek positions at the newest visible entry of the first live key at or
// after key. When the ts argument is below the snapshot's ceiling, versions
// of key itself newer than ts are skipped; later keys are read at the
// snapshot's ceiling.
func (s *Snapshot) Seek(key []byte, ts uint64) {
	if s.err != nil {
		return
	}
	eff := s.ts
	if ts < eff {
		eff = ts
	}
	s.in.Seek(key, eff)
	s.dir = dirForward
	s.findNextVisible(nil)
}

// findNextVisible scans forward from the wrapped cursor's position. The
// first entry of a key with ts at or below the ceiling is that key's
// newest visible version; tombstoned keys are skipped. skipKey, when
// non-nil, suppresses any remaining versions of an already-yielded key.
func (s *Snapshot) findNextVisible(skipKey []byte) {
	for s.in.Valid() {
		if s.in.Ts() > s.ts {
			s.in.Next()
			continue
		}
		k := s.in.Key()
		if skipKey != nil && bytes.Equal(k, skipKey) {
			s.in.Next()
			continue
		}
		if s.in.IsTombstone() {
			skipKey = append([]byte(nil), k...)
			s.in.Next()
			continue
		}
		s.key = append(s.key[:0], k...)
		s.curTs = s.in.Ts()
		s.value = append(s.value[:0], s.in.Value()...)
		s.valid = true
		return
	}
	s.valid = false
	if err := s.in.Err(); err != nil {
		s.err = err
	}
}

// findPrevVisible scans backward. Walking in reverse, the versions of a
// key arrive oldest first, so the candidate for the key is overwritten by
// every visible version and holds the newest one when the key changes.
func (s *Snapshot) findPrevVisible() {
	var (
		candKey  []byte
		candTs   uint64
		candVal  []byte
		candTomb bool
		have     bool
	)
	commit := func() bool {
		if !have || candTomb {
			return false
		}
		s.key = append(s.key[:0], candKey...)
		s.curTs = candTs
		s.value = append(s.value[:0], candVal...)
		s.valid = true
		return true
	}
	for s.in.Valid() {
		k := s.in.Key()
		if have && !bytes.Equal(k, candKey) {
			if commit() {
				return
			}
			have = false
		}
		if s.in.Ts() <= s.ts {
			candKey = append(candKey[:0], k...)
			candTs = s.in.Ts()
			candVal = append(candVal[:0], s.in.Value()...)
			candTomb = s.in.IsTombstone()
			have = true
		} else if !have {
			// Invisible version; still remember the key so the group
			// boundary is detected.
			candKey = append(candKey[:0], k...)
			candTomb = true
			have = true
		}
		s.in.Prev()
	}
	if err := s.in.Err(); err != nil {
		s.err = err
		s.valid = false
		return
	}
	if commit() {
		return
	}
	s.valid = false
}

func (s *Snapshot) Next() bool {
	if s.err != nil || !s.valid {
		return false
	}
	skip := append([]byte(nil), s.key...)
	if s.dir == dirBackward {
		// The wrapped cursor drifted behind the synthesized position while
		// scanning backward; reposition at the tail of the current key
		// group and let skip filter what remains of it.
		s.in.Seek(s.key, 0)
		s.dir = dirForward
	} else {
		s.in.Next()
	}
	s.findNextVisible(skip)
	return s.valid
}

func (s *Snapshot) Prev() bool {
	if s.err != nil || !s.valid {
		return false
	}
	if s.dir == dirForward {
		// Reposition at the newest version of the current key, then step
		// before the whole group.
		s.in.Seek(s.key, math.MaxUint64)
		for s.in.Valid() && bytes.Equal(s.in.Key(), s.key) {
			s.in.Prev()
		}
		s.dir = dirBackward
	}
	s.findPrevVisible()
	return s.valid
}

func (s *Snapshot) Valid() bool       { return s.err == nil && s.valid }
func (s *Snapshot) Key() []byte       { return s.key }
func (s *Snapshot) Ts() uint64        { return s.curTs }
func (s *Snapshot) Value() []byte     { return s.value }
func (s *Snapshot) IsTombstone() bool { return false }

func (s *Snapshot) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.in.Err()
}

func (s *Snapshot) Close() error {
	return s.in.Close()
}
