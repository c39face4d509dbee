// Package levels holds the in-memory tree state: which SSTables are live,
// at which level, with what key ranges, and the global setsum over all of
// them. All mutation flows through ApplyEdit, which refuses unbalanced
// edits, keeps level disjointness, and maintains the ledger invariant that
// the global setsum equals the sum of the per-table setsums.
package levels

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/manifest"
	"github.com/INLOpen/trigon/setsum"
	"github.com/INLOpen/trigon/sstable"
)

// Table is one live SSTable with its level assignment. The reader is
// refcounted; the manager holds the owning reference until a removing edit
// commits.
type Table struct {
	Reader *sstable.Reader
	Level  int
}

// ID returns the table's stable file id.
func (t *Table) ID() core.FileID {
	return t.Reader.Metadata().ID
}

// Setsum returns the table's recorded setsum.
func (t *Table) Setsum() setsum.Setsum {
	return t.Reader.Metadata().Setsum
}

// Size returns the table's on-disk size in bytes.
func (t *Table) Size() int64 {
	return t.Reader.Metadata().Size
}

// KeyRange returns the table's inclusive key range.
func (t *Table) KeyRange() core.KeyRange {
	return t.Reader.Metadata().KeyRange()
}

// Ref converts the table to a manifest file reference.
func (t *Table) Ref() manifest.FileRef {
	m := t.Reader.Metadata()
	return manifest.FileRef{
		ID:       m.ID,
		Level:    uint8(t.Level),
		Smallest: m.Smallest,
		Largest:  m.Largest,
		Setsum:   m.Setsum,
	}
}

// Manager owns the live table set. Reads take the lock briefly to copy
// table slices; cursors then run lock-free against refcounted readers.
type Manager struct {
	opts   *core.Options
	logger *slog.Logger

	mu      sync.RWMutex
	levels  [][]*Table
	byID    map[core.FileID]*Table
	global  setsum.Setsum
	lastSeq uint64
}

// NewManager creates an empty tree with the configured number of levels.
func NewManager(opts *core.Options) *Manager {
	return &Manager{
		opts:   opts,
		logger: opts.GetLogger(),
		levels: make([][]*Table, opts.MaxLevels),
		byID:   make(map[core.FileID]*Table),
	}
}

// Open rebuilds a manager from replayed manifest state, opening a reader
// for every live file. pathFor maps a file id to its path in the data
// directory.
func Open(opts *core.Options, state *manifest.State, pathFor func(core.FileID) string) (*Manager, error) {
	m := NewManager(opts)
	for id, ref := range state.Live {
		reader, err := sstable.Open(pathFor(id), sstable.ReaderOptions{
			ID:     id,
			Logger: opts.GetLogger(),
			Tracer: opts.Tracer,
		})
		if err != nil {
			m.closeAll()
			return nil, fmt.Errorf("open live sstable %s: %w", id, err)
		}
		if !reader.Metadata().Setsum.Equal(ref.Setsum) {
			reader.Close()
			m.closeAll()
			return nil, fmt.Errorf("sstable %s footer setsum %s disagrees with manifest %s: %w",
				id, reader.Metadata().Setsum, ref.Setsum, core.ErrSetsumMismatch)
		}
		t := &Table{Reader: reader, Level: int(ref.Level)}
		m.byID[id] = t
		m.levels[t.Level] = append(m.levels[t.Level], t)
		m.global = m.global.Union(ref.Setsum)
	}
	for level := range m.levels {
		m.sortLevel(level)
	}
	if err := m.checkDisjointLocked(); err != nil {
		m.closeAll()
		return nil, err
	}
	m.lastSeq = state.LastSeq
	if !m.global.Equal(state.Global) {
		m.closeAll()
		return nil, fmt.Errorf("tree setsum %s disagrees with manifest global %s: %w",
			m.global, state.Global, core.ErrSetsumMismatch)
	}
	return m, nil
}

func (m *Manager) closeAll() {
	for _, t := range m.byID {
		t.Reader.Close()
	}
}

// sortLevel orders level 0 newest first (by max timestamp, then id) and
// deeper levels by smallest key.
func (m *Manager) sortLevel(level int) {
	tables := m.levels[level]
	if level == 0 {
		sort.SliceStable(tables, func(i, j int) bool {
			mi, mj := tables[i].Reader.Metadata(), tables[j].Reader.Metadata()
			if mi.MaxTs != mj.MaxTs {
				return mi.MaxTs > mj.MaxTs
			}
			return bytes.Compare(mi.ID[:], mj.ID[:]) < 0
		})
	} else {
		sort.SliceStable(tables, func(i, j int) bool {
			return bytes.Compare(tables[i].Reader.Metadata().Smallest, tables[j].Reader.Metadata().Smallest) < 0
		})
	}
}

// checkDisjointLocked verifies pairwise disjoint key ranges on every level
// past 0.
func (m *Manager) checkDisjointLocked() error {
	for level := 1; level < len(m.levels); level++ {
		tables := m.levels[level]
		for i := 1; i < len(tables); i++ {
			prev := tables[i-1].Reader.Metadata()
			cur := tables[i].Reader.Metadata()
			if bytes.Compare(prev.Largest, cur.Smallest) >= 0 {
				return fmt.Errorf("level %d tables %s [%q,%q] and %s [%q,%q] overlap",
					level, prev.ID, prev.Smallest, prev.Largest, cur.ID, cur.Smallest, cur.Largest)
			}
		}
	}
	return nil
}

// ApplyEdit atomically applies a balanced edit: removed tables leave the
// tree and lose their owning reference, added tables (already opened by
// the caller) join it. The edit must already be durable in the manifest.
func (m *Manager) ApplyEdit(edit *manifest.Edit, added []*Table) error {
	if !edit.Balanced() {
		return fmt.Errorf("refusing edit %d (%s): %w", edit.Seq, edit.Reason, core.ErrUnbalancedEdit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(added) != len(edit.Added) {
		return fmt.Errorf("edit %d adds %d files but %d readers were supplied", edit.Seq, len(edit.Added), len(added))
	}
	for i := range edit.Removed {
		if _, ok := m.byID[edit.Removed[i].ID]; !ok {
			return fmt.Errorf("edit %d removes unknown table %s", edit.Seq, edit.Removed[i].ID)
		}
	}
	removedSet := make(map[core.FileID]bool, len(edit.Removed))
	for i := range edit.Removed {
		removedSet[edit.Removed[i].ID] = true
	}
	for i, t := range added {
		if _, ok := m.byID[t.ID()]; ok {
			return fmt.Errorf("edit %d adds duplicate table %s", edit.Seq, t.ID())
		}
		if t.Level < 0 || t.Level >= len(m.levels) {
			return fmt.Errorf("edit %d places table %s at level %d outside [0, %d)", edit.Seq, t.ID(), t.Level, len(m.levels))
		}
		if t.Level == 0 {
			continue
		}
		// Disjointness must hold before the edit commits: the new table
		// may not overlap surviving tables at its level, nor its siblings.
		for _, other := range m.listOverlapLocked(t.KeyRange(), t.Level) {
			if !removedSet[other.ID()] {
				return fmt.Errorf("edit %d table %s overlaps live table %s at level %d",
					edit.Seq, t.ID(), other.ID(), t.Level)
			}
		}
		for j := 0; j < i; j++ {
			if added[j].Level == t.Level && added[j].KeyRange().Overlaps(t.KeyRange()) {
				return fmt.Errorf("edit %d tables %s and %s overlap at level %d",
					edit.Seq, added[j].ID(), t.ID(), t.Level)
			}
		}
	}

	var removed []*Table
	for i := range edit.Removed {
		t := m.byID[edit.Removed[i].ID]
		removed = append(removed, t)
		delete(m.byID, t.ID())
		lvl := m.levels[t.Level]
		for j, lt := range lvl {
			if lt == t {
				m.levels[t.Level] = append(lvl[:j], lvl[j+1:]...)
				break
			}
		}
	}
	touched := map[int]bool{}
	for _, t := range added {
		m.byID[t.ID()] = t
		m.levels[t.Level] = append(m.levels[t.Level], t)
		touched[t.Level] = true
	}
	for level := range touched {
		m.sortLevel(level)
	}

	m.global = m.global.Union(edit.SetsumAdded()).Difference(edit.SetsumRemoved()).Difference(edit.Dropped)
	m.lastSeq = edit.Seq

	for _, t := range removed {
		// Drop the tree's owning reference; live cursors keep the reader
		// open until they close.
		if err := t.Reader.Unref(); err != nil {
			m.logger.Warn("failed to release removed table", "id", t.ID(), "error", err)
		}
	}
	return nil
}

// ListOverlap returns the tables at the level whose key range intersects r.
// Level 0 is scanned; deeper levels are binary searched.
func (m *Manager) ListOverlap(r core.KeyRange, level int) []*Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listOverlapLocked(r, level)
}

func (m *Manager) listOverlapLocked(r core.KeyRange, level int) []*Table {
	if level < 0 || level >= len(m.levels) {
		return nil
	}
	tables := m.levels[level]
	if level == 0 {
		var out []*Table
		for _, t := range tables {
			if t.KeyRange().Overlaps(r) {
				out = append(out, t)
			}
		}
		return out
	}
	// First table whose largest key reaches the range.
	lo := sort.Search(len(tables), func(i int) bool {
		return bytes.Compare(tables[i].Reader.Metadata().Largest, r.Smallest) >= 0
	})
	var out []*Table
	for i := lo; i < len(tables); i++ {
		if bytes.Compare(tables[i].Reader.Metadata().Smallest, r.Largest) > 0 {
			break
		}
		out = append(out, tables[i])
	}
	return out
}

// LevelTables returns a copy of the tables at a level in level order.
func (m *Manager) LevelTables(level int) []*Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if level < 0 || level >= len(m.levels) {
		return nil
	}
	return append([]*Table(nil), m.levels[level]...)
}

// LevelBytes returns the total on-disk bytes at a level.
func (m *Manager) LevelBytes(level int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.levelBytesLocked(level)
}

func (m *Manager) levelBytesLocked(level int) int64 {
	if level < 0 || level >= len(m.levels) {
		return 0
	}
	var total int64
	for _, t := range m.levels[level] {
		total += t.Size()
	}
	return total
}

// LevelFileCount returns the number of tables at a level.
func (m *Manager) LevelFileCount(level int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if level < 0 || level >= len(m.levels) {
		return 0
	}
	return len(m.levels[level])
}

// TotalBytes returns the bytes across every level.
func (m *Manager) TotalBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for level := range m.levels {
		total += m.levelBytesLocked(level)
	}
	return total
}

// Global returns the tree's global setsum.
func (m *Manager) Global() setsum.Setsum {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// LastSeq returns the manifest sequence of the last applied edit.
func (m *Manager) LastSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

// NumLevels returns the configured level count.
func (m *Manager) NumLevels() int {
	return len(m.levels)
}

// VerifyLedger recomputes the sum of per-table setsums and compares it to
// the maintained global. A disagreement means corruption in this process.
func (m *Manager) VerifyLedger() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum setsum.Setsum
	for _, t := range m.byID {
		sum = sum.Union(t.Setsum())
	}
	if !sum.Equal(m.global) {
		return fmt.Errorf("sum of table setsums %s disagrees with global %s: %w",
			sum, m.global, core.ErrSetsumMismatch)
	}
	return nil
}

// DebugString renders a one-line-per-level dump of the tree for
// operators.
func (m *Manager) DebugString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "seq=%d global=%s\n", m.lastSeq, m.global.Hexdigest())
	for level, tables := range m.levels {
		if len(tables) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "L%d: %d files, %d bytes:", level, len(tables), m.levelBytesLocked(level))
		for _, t := range tables {
			meta := t.Reader.Metadata()
			fmt.Fprintf(&sb, " %s[%q..%q]", meta.ID.String()[:8], meta.Smallest, meta.Largest)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Close releases the tree's owning reference on every live table.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, t := range m.byID {
		if err := t.Reader.Unref(); err != nil && first == nil {
			first = err
		}
	}
	m.byID = map[core.FileID]*Table{}
	for i := range m.levels {
		m.levels[i] = nil
	}
	return first
}
