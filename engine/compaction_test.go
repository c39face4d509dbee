package engine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/manifest"
	"github.com/INLOpen/trigon/setsum"
)

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}

// S3: three non-overlapping level-0 tables with known setsums compact into
// level 1; the global setsum is unchanged and the edit balances.
func TestBalancedCompaction(t *testing.T) {
	tree := openTree(t, testTreeOptions(t))

	batches := [][]core.Entry{
		{put("a", 1, "1"), put("b", 2, "2")},
		{put("c", 3, "3"), put("d", 4, "4")},
		{put("e", 5, "5"), put("f", 6, "6")},
	}
	want := setsum.New()
	for _, b := range batches {
		require.NoError(t, tree.Ingest(buildSST(t, b)))
		want = want.Union(batchSetsum(b))
	}
	require.Equal(t, 3, tree.Levels().LevelFileCount(0))

	require.NoError(t, tree.CompactRange(context.Background(), 0, 1))

	assert.Equal(t, 0, tree.Levels().LevelFileCount(0))
	assert.Greater(t, tree.Levels().LevelFileCount(1), 0)
	assert.True(t, tree.Levels().Global().Equal(want), "G must equal A+B+C after compaction")
	require.NoError(t, tree.Levels().VerifyLedger())

	// The compact edit in the ledger balances: added equals removed.
	records := tree.Ledger()
	last := records[len(records)-1]
	require.Equal(t, manifest.ReasonCompact, last.Reason)
	assert.True(t, last.Added.Equal(last.Removed))

	// Every key still reads.
	for _, b := range batches {
		for _, e := range b {
			v, err := tree.Get(e.Key, 100)
			require.NoError(t, err)
			assert.Equal(t, e.Value, v)
		}
	}
}

// S4: a tombstone shadowing data that lives outside the compaction must
// survive the rewrite, and reads keep returning absence.
func TestTombstonePreservedWhenShadowed(t *testing.T) {
	tree := openTree(t, testTreeOptions(t))

	// Z holds the shadowed old value; push it down to level 2 first.
	zBatch := []core.Entry{put("k", 1, "u"), put("zz", 1, "sentinel")}
	require.NoError(t, tree.Ingest(buildSST(t, zBatch)))
	require.NoError(t, tree.CompactRange(context.Background(), 0, 2))
	require.Equal(t, 1, tree.Levels().LevelFileCount(2))

	// X and Y arrive later: a newer value, then a tombstone over it.
	xBatch := []core.Entry{put("k", 5, "v")}
	yBatch := []core.Entry{tomb("k", 10)}
	require.NoError(t, tree.Ingest(buildSST(t, xBatch)))
	require.NoError(t, tree.Ingest(buildSST(t, yBatch)))

	globalBefore := tree.Levels().Global()
	require.NoError(t, tree.CompactRange(context.Background(), 0, 1))

	// Z is outside the plan, so nothing could be dropped: G is unchanged.
	assert.True(t, tree.Levels().Global().Equal(globalBefore))

	// The tombstone must still exist in the level-1 output.
	var sawTombstone bool
	for _, tbl := range tree.Levels().LevelTables(1) {
		cur := tbl.Reader.NewCursor()
		for cur.SeekToFirst(); cur.Valid(); cur.Next() {
			if string(cur.Key()) == "k" && cur.IsTombstone() {
				sawTombstone = true
			}
		}
		require.NoError(t, cur.Err())
		cur.Close()
	}
	assert.True(t, sawTombstone, "the tombstone must survive while shadowed data lives below")

	_, err := tree.Get([]byte("k"), 100)
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, tree.Levels().VerifyLedger())
}

// S5: with nothing below the plan, the tombstone and the history it
// shadows are dropped, and the ledger reflects the drop.
func TestTombstoneDroppedWhenSafe(t *testing.T) {
	tree := openTree(t, testTreeOptions(t))

	xBatch := []core.Entry{put("k", 5, "v"), put("other", 3, "o")}
	yBatch := []core.Entry{tomb("k", 10)}
	require.NoError(t, tree.Ingest(buildSST(t, xBatch)))
	require.NoError(t, tree.Ingest(buildSST(t, yBatch)))

	require.NoError(t, tree.CompactRange(context.Background(), 0, 1))

	// Only "other" survives; the dropped entries left through the ledger.
	survivor := batchSetsum([]core.Entry{put("other", 3, "o")})
	assert.True(t, tree.Levels().Global().Equal(survivor))
	require.NoError(t, tree.Levels().VerifyLedger())

	records := tree.Ledger()
	last := records[len(records)-1]
	require.Equal(t, manifest.ReasonCompact, last.Reason)
	assert.True(t, last.Added.Equal(last.Removed), "the dropped setsum keeps the edit balanced")

	_, err := tree.Get([]byte("k"), 100)
	require.ErrorIs(t, err, core.ErrNotFound)
	v, err := tree.Get([]byte("other"), 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("o"), v)

	// No table anywhere still holds k.
	for level := 0; level < tree.Levels().NumLevels(); level++ {
		for _, tbl := range tree.Levels().LevelTables(level) {
			cur := tbl.Reader.NewCursor()
			for cur.SeekToFirst(); cur.Valid(); cur.Next() {
				assert.NotEqual(t, "k", string(cur.Key()))
			}
			cur.Close()
		}
	}
}

func TestCompactionMovesInputsToTrash(t *testing.T) {
	tree := openTree(t, testTreeOptions(t))
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("a", 1, "1")})))
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("b", 2, "2")})))

	require.NoError(t, tree.CompactRange(context.Background(), 0, 1))

	seq := tree.Levels().LastSeq()
	entries := tree.ListTrashUpTo(seq)
	require.Len(t, entries, 2, "both inputs await the verifier")

	// The verifier's check: trash setsums match the ledger's removed side
	// of the compact edit.
	var trashSum setsum.Setsum
	for _, e := range entries {
		trashSum = trashSum.Union(e.Setsum)
	}
	records := tree.Ledger()
	last := records[len(records)-1]
	require.Equal(t, manifest.ReasonCompact, last.Reason)
	assert.True(t, trashSum.Equal(last.Removed))

	// Confirmed entries unlink cleanly.
	for _, e := range entries {
		require.NoError(t, tree.UnlinkTrash(e.ID))
	}
	assert.Empty(t, tree.ListTrashUpTo(seq))
}

func TestCompactionCancellation(t *testing.T) {
	tree := openTree(t, testTreeOptions(t))
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("a", 1, "1"), put("b", 2, "2")})))
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("c", 3, "3")})))

	globalBefore := tree.Levels().Global()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tree.CompactRange(ctx, 0, 1)
	require.ErrorIs(t, err, core.ErrCancelled)

	// The tree is untouched and still consistent.
	assert.Equal(t, 2, tree.Levels().LevelFileCount(0))
	assert.True(t, tree.Levels().Global().Equal(globalBefore))
	require.NoError(t, tree.Levels().VerifyLedger())
}

func TestReopenAfterCompaction(t *testing.T) {
	opts := testTreeOptions(t)
	tree, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("a", 1, "1"), put("b", 2, "2")})))
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("c", 3, "3"), tomb("a", 9)})))
	require.NoError(t, tree.CompactRange(context.Background(), 0, 1))
	global := tree.Levels().Global()
	require.NoError(t, tree.Close())

	tree2 := openTree(t, opts)
	assert.True(t, tree2.Levels().Global().Equal(global))
	require.NoError(t, tree2.Levels().VerifyLedger())

	_, err = tree2.Get([]byte("a"), 100)
	require.ErrorIs(t, err, core.ErrNotFound)
	v, err := tree2.Get([]byte("b"), 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestPlannerPicksFullLevels(t *testing.T) {
	opts := testTreeOptions(t)
	opts.BaseLevelFiles = 2
	tree := openTree(t, opts)

	// One small table: level 0 is not full, nothing to do.
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("a", 1, "1")})))
	worked, err := tree.CompactOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)

	// A second table reaches the file target; the planner fires.
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("b", 2, "2")})))
	worked, err = tree.CompactOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, 0, tree.Levels().LevelFileCount(0))
	require.NoError(t, tree.Levels().VerifyLedger())
}

func TestBackgroundCompaction(t *testing.T) {
	opts := testTreeOptions(t)
	opts.BackgroundCompaction = true
	opts.BaseLevelFiles = 2
	tree := openTree(t, opts)

	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("a", 1, "1")})))
	require.NoError(t, tree.Ingest(buildSST(t, []core.Entry{put("b", 2, "2")})))

	require.Eventually(t, func() bool {
		return tree.Levels().LevelFileCount(0) == 0
	}, 5*time.Second, 10*time.Millisecond, "the background loop must drain level 0")

	v, err := tree.Get([]byte("a"), 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, tree.Levels().VerifyLedger())
}

func TestCompactionAmortizesWrites(t *testing.T) {
	// A coarse write-amplification guard: ingest W bytes of uniformly
	// spread keys, let the planner run dry, and require compactions to
	// have rewritten no more than 6.5x the ingested bytes.
	opts := testTreeOptions(t)
	opts.BaseLevelFiles = 2
	opts.TargetFileSize = 2 << 10
	opts.L0StallFiles = 64
	tree := openTree(t, opts)

	var ingested int64
	ts := uint64(0)
	for batch := 0; batch < 24; batch++ {
		var entries []core.Entry
		for i := 0; i < 32; i++ {
			ts++
			entries = append(entries, put(fmt.Sprintf("key%04d", (batch*37+i*11)%499), ts, "0123456789abcdef"))
		}
		path := buildSST(t, entries)
		ingested += fileSize(t, path)
		require.NoError(t, tree.Ingest(path))

		for {
			worked, err := tree.CompactOnce(context.Background())
			require.NoError(t, err)
			if !worked {
				break
			}
		}
	}

	rewritten := tree.CompactionBytes()
	assert.LessOrEqual(t, rewritten, int64(6.5*float64(ingested)),
		"compactions rewrote %d bytes for %d ingested", rewritten, ingested)
	require.NoError(t, tree.Levels().VerifyLedger())
}
