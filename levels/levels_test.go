package levels

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/manifest"
	"github.com/INLOpen/trigon/sstable"
)

func testOptions(t *testing.T) *core.Options {
	t.Helper()
	opts := core.DefaultOptions(t.TempDir())
	opts.MaxLevels = 5
	return &opts
}

// buildTable writes a table of put entries for the given keys at ts and
// opens it at the given level.
func buildTable(t *testing.T, dir string, level int, ts uint64, keys ...string) *Table {
	t.Helper()
	id := core.NewFileID()
	path := filepath.Join(dir, id.String()+".sst")
	w, err := sstable.NewWriter(sstable.WriterOptions{Path: path})
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, w.Add(&core.Entry{
			Key: []byte(k), Ts: ts, Value: []byte("v-" + k), Type: core.EntryTypePut,
		}))
	}
	require.NoError(t, w.Finish())
	reader, err := sstable.Open(path, sstable.ReaderOptions{ID: id})
	require.NoError(t, err)
	return &Table{Reader: reader, Level: level}
}

func ingestEdit(seq uint64, tables ...*Table) *manifest.Edit {
	e := &manifest.Edit{Seq: seq, Reason: manifest.ReasonIngest}
	for _, t := range tables {
		e.Added = append(e.Added, t.Ref())
	}
	return e
}

func TestApplyIngestAndLedger(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	a := buildTable(t, opts.Dir, 0, 10, "a", "b")
	b := buildTable(t, opts.Dir, 0, 20, "c", "d")
	require.NoError(t, m.ApplyEdit(ingestEdit(1, a), []*Table{a}))
	require.NoError(t, m.ApplyEdit(ingestEdit(2, b), []*Table{b}))

	assert.Equal(t, 2, m.LevelFileCount(0))
	assert.True(t, m.Global().Equal(a.Setsum().Union(b.Setsum())))
	assert.Equal(t, uint64(2), m.LastSeq())
	require.NoError(t, m.VerifyLedger())
}

func TestApplyCompactEdit(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	a := buildTable(t, opts.Dir, 0, 10, "a", "b")
	b := buildTable(t, opts.Dir, 0, 20, "c", "d")
	require.NoError(t, m.ApplyEdit(ingestEdit(1, a, b), []*Table{a, b}))

	out := buildTable(t, opts.Dir, 1, 10, "a", "b")
	outB := buildTable(t, opts.Dir, 1, 20, "c", "d")
	edit := &manifest.Edit{
		Seq:     2,
		Reason:  manifest.ReasonCompact,
		Added:   []manifest.FileRef{out.Ref(), outB.Ref()},
		Removed: []manifest.FileRef{a.Ref(), b.Ref()},
	}
	require.True(t, edit.Balanced(), "identical contents at a new level must balance")
	require.NoError(t, m.ApplyEdit(edit, []*Table{out, outB}))

	assert.Equal(t, 0, m.LevelFileCount(0))
	assert.Equal(t, 2, m.LevelFileCount(1))
	assert.True(t, m.Global().Equal(out.Setsum().Union(outB.Setsum())))
	require.NoError(t, m.VerifyLedger())

	// The removed readers lost their owning reference.
	assert.Equal(t, int32(0), a.Reader.Refs())
	assert.Equal(t, int32(0), b.Reader.Refs())
}

func TestApplyRejectsUnbalanced(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	a := buildTable(t, opts.Dir, 0, 10, "a", "b")
	require.NoError(t, m.ApplyEdit(ingestEdit(1, a), []*Table{a}))

	out := buildTable(t, opts.Dir, 1, 10, "a", "c") // different contents
	defer out.Reader.Close()
	edit := &manifest.Edit{
		Seq:     2,
		Reason:  manifest.ReasonCompact,
		Added:   []manifest.FileRef{out.Ref()},
		Removed: []manifest.FileRef{a.Ref()},
	}
	require.ErrorIs(t, m.ApplyEdit(edit, []*Table{out}), core.ErrUnbalancedEdit)
	assert.Equal(t, 1, m.LevelFileCount(0), "rejected edit must not change the tree")
	require.NoError(t, m.VerifyLedger())
}

func TestApplyRejectsOverlapDeepLevel(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	a := buildTable(t, opts.Dir, 1, 10, "a", "m")
	require.NoError(t, m.ApplyEdit(ingestEdit(1, a), []*Table{a}))

	b := buildTable(t, opts.Dir, 1, 20, "g", "z") // overlaps [a, m]
	defer b.Reader.Close()
	edit := ingestEdit(2, b)
	require.Error(t, m.ApplyEdit(edit, []*Table{b}))
	assert.Equal(t, 1, m.LevelFileCount(1), "rejected edit must not change the tree")
}

func TestLevelZeroMayOverlap(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	a := buildTable(t, opts.Dir, 0, 10, "a", "m")
	b := buildTable(t, opts.Dir, 0, 20, "g", "z")
	require.NoError(t, m.ApplyEdit(ingestEdit(1, a), []*Table{a}))
	require.NoError(t, m.ApplyEdit(ingestEdit(2, b), []*Table{b}))
	assert.Equal(t, 2, m.LevelFileCount(0))

	// Newest first.
	tables := m.LevelTables(0)
	assert.Equal(t, b.ID(), tables[0].ID())
	assert.Equal(t, a.ID(), tables[1].ID())
}

func TestListOverlap(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	var tables []*Table
	for i := 0; i < 5; i++ {
		lo := string(rune('a' + 2*i))
		hi := string(rune('a' + 2*i + 1))
		tbl := buildTable(t, opts.Dir, 1, 10, lo, hi)
		tables = append(tables, tbl)
	}
	require.NoError(t, m.ApplyEdit(ingestEdit(1, tables...), tables))

	overlap := m.ListOverlap(core.KeyRange{Smallest: []byte("c"), Largest: []byte("f")}, 1)
	require.Len(t, overlap, 2)
	assert.Equal(t, tables[1].ID(), overlap[0].ID()) // [c,d]
	assert.Equal(t, tables[2].ID(), overlap[1].ID()) // [e,f]

	overlap = m.ListOverlap(core.KeyRange{Smallest: []byte("z"), Largest: []byte("zz")}, 1)
	assert.Empty(t, overlap)

	overlap = m.ListOverlap(core.KeyRange{Smallest: []byte("a"), Largest: []byte("z")}, 1)
	assert.Len(t, overlap, 5)
}

func TestSnapshotStability(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	a := buildTable(t, opts.Dir, 0, 10, "a", "b")
	require.NoError(t, m.ApplyEdit(ingestEdit(1, a), []*Table{a}))

	snap := m.Snapshot(100)
	require.Len(t, snap.Tables(), 1)
	assert.Equal(t, uint64(1), snap.Seq())

	// Replace a with a compacted table; the snapshot still holds a's
	// reader open.
	out := buildTable(t, opts.Dir, 1, 10, "a", "b")
	edit := &manifest.Edit{
		Seq:     2,
		Reason:  manifest.ReasonCompact,
		Added:   []manifest.FileRef{out.Ref()},
		Removed: []manifest.FileRef{a.Ref()},
	}
	require.NoError(t, m.ApplyEdit(edit, []*Table{out}))

	require.Len(t, snap.Tables(), 1)
	assert.Equal(t, a.ID(), snap.Tables()[0].ID())
	assert.Equal(t, int32(1), a.Reader.Refs(), "snapshot keeps the removed reader alive")

	got, err := a.Reader.Get([]byte("a"), 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("v-a"), got.Value)

	require.NoError(t, snap.Close())
	assert.Equal(t, int32(0), a.Reader.Refs())
	require.NoError(t, snap.Close(), "close is idempotent")
}

func TestOpenFromManifestState(t *testing.T) {
	opts := testOptions(t)
	dir := opts.Dir

	// Build two tables on disk and a manifest state describing them.
	a := buildTable(t, dir, 0, 10, "a", "b")
	b := buildTable(t, dir, 1, 20, "c", "d")
	state := &manifest.State{
		Live: map[core.FileID]manifest.FileRef{
			a.ID(): a.Ref(),
			b.ID(): b.Ref(),
		},
		LastSeq: 7,
	}
	state.Global = a.Setsum().Union(b.Setsum())
	require.NoError(t, a.Reader.Close())
	require.NoError(t, b.Reader.Close())

	m, err := Open(opts, state, func(id core.FileID) string {
		return filepath.Join(dir, id.String()+".sst")
	})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 1, m.LevelFileCount(0))
	assert.Equal(t, 1, m.LevelFileCount(1))
	assert.Equal(t, uint64(7), m.LastSeq())
	require.NoError(t, m.VerifyLedger())
	assert.True(t, m.Global().Equal(state.Global))
}

func TestLevelBytesAndCapacity(t *testing.T) {
	opts := testOptions(t)
	m := NewManager(opts)
	defer m.Close()

	var tables []*Table
	for i := 0; i < 3; i++ {
		tables = append(tables, buildTable(t, opts.Dir, 0, uint64(10+i), fmt.Sprintf("k%d", i)))
	}
	require.NoError(t, m.ApplyEdit(ingestEdit(1, tables...), tables))

	var want int64
	for _, tbl := range tables {
		want += tbl.Size()
	}
	assert.Equal(t, want, m.LevelBytes(0))
	assert.Equal(t, want, m.TotalBytes())
	assert.Greater(t, opts.LevelCapacity(1), opts.LevelCapacity(0))
}
