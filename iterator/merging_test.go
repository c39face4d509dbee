package iterator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/trigon/core"
)

func put(key string, ts uint64, value string) core.Entry {
	return core.Entry{Key: []byte(key), Ts: ts, Value: []byte(value), Type: core.EntryTypePut}
}

func tomb(key string, ts uint64) core.Entry {
	return core.Entry{Key: []byte(key), Ts: ts, Type: core.EntryTypeTombstone}
}

func collect(t *testing.T, c core.Cursor) []core.Entry {
	t.Helper()
	var out []core.Entry
	for c.SeekToFirst(); c.Valid(); c.Next() {
		e := core.Entry{Key: append([]byte(nil), c.Key()...), Ts: c.Ts()}
		if c.IsTombstone() {
			e.Type = core.EntryTypeTombstone
		} else {
			e.Value = append([]byte(nil), c.Value()...)
		}
		out = append(out, e)
	}
	require.NoError(t, c.Err())
	return out
}

func TestMergeInterleaves(t *testing.T) {
	m := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("a", 1, "x"), put("d", 4, "y")}),
		newSliceCursor([]core.Entry{put("b", 2, "z"), put("e", 5, "w")}),
		newSliceCursor([]core.Entry{put("c", 3, "q")}),
	})
	defer m.Close()

	got := collect(t, m)
	require.Len(t, got, 5)
	var keys []string
	for _, e := range got {
		keys = append(keys, string(e.Key))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
}

func TestMergeVersionsAcrossSources(t *testing.T) {
	// The same key appears in every source with different timestamps; the
	// merge must yield them newest first regardless of source.
	m := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("k", 10, "old")}),
		newSliceCursor([]core.Entry{put("k", 30, "new")}),
		newSliceCursor([]core.Entry{put("k", 20, "mid")}),
	})
	defer m.Close()

	got := collect(t, m)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(30), got[0].Ts)
	assert.Equal(t, uint64(20), got[1].Ts)
	assert.Equal(t, uint64(10), got[2].Ts)
}

func TestMergeTieBreaksByPriority(t *testing.T) {
	// Identical (key, ts) in two sources: the earlier-listed (newer,
	// lower-priority) source must win first.
	m := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("k", 5, "winner")}),
		newSliceCursor([]core.Entry{put("k", 5, "loser")}),
	})
	defer m.Close()

	m.SeekToFirst()
	require.True(t, m.Valid())
	assert.Equal(t, []byte("winner"), m.Value())
	require.True(t, m.Next())
	assert.Equal(t, []byte("loser"), m.Value())
	require.False(t, m.Next())
}

func TestMergeSeek(t *testing.T) {
	m := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("a", 1, "1"), put("c", 3, "3")}),
		newSliceCursor([]core.Entry{put("b", 2, "2"), put("d", 4, "4")}),
	})
	defer m.Close()

	m.Seek([]byte("b"), 100)
	require.True(t, m.Valid())
	assert.Equal(t, []byte("b"), m.Key())

	m.Seek([]byte("bb"), 100)
	require.True(t, m.Valid())
	assert.Equal(t, []byte("c"), m.Key())

	m.Seek([]byte("z"), 100)
	assert.False(t, m.Valid())
}

func TestMergeReverse(t *testing.T) {
	m := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("a", 1, "1"), put("c", 3, "3"), put("e", 5, "5")}),
		newSliceCursor([]core.Entry{put("b", 2, "2"), put("d", 4, "4")}),
	})
	defer m.Close()

	var keys []string
	for m.SeekToLast(); m.Valid(); m.Prev() {
		keys = append(keys, string(m.Key()))
	}
	require.NoError(t, m.Err())
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, keys)
}

func TestMergeDirectionSwitch(t *testing.T) {
	m := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("a", 1, "1"), put("c", 3, "3")}),
		newSliceCursor([]core.Entry{put("b", 2, "2"), put("d", 4, "4")}),
	})
	defer m.Close()

	m.SeekToFirst()
	require.True(t, m.Next()) // b
	require.True(t, m.Next()) // c
	assert.Equal(t, []byte("c"), m.Key())

	require.True(t, m.Prev()) // back to b
	assert.Equal(t, []byte("b"), m.Key())
	require.True(t, m.Prev()) // a
	assert.Equal(t, []byte("a"), m.Key())
	require.False(t, m.Prev())

	// Exhausting the cursor backward is not an error.
	require.NoError(t, m.Err())
}

func TestMergeDirectionSwitchOnTies(t *testing.T) {
	m := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("k", 5, "newer-src")}),
		newSliceCursor([]core.Entry{put("k", 5, "older-src"), put("m", 1, "m")}),
	})
	defer m.Close()

	m.SeekToFirst()
	assert.Equal(t, []byte("newer-src"), m.Value())
	require.True(t, m.Next())
	assert.Equal(t, []byte("older-src"), m.Value())
	require.True(t, m.Prev())
	assert.Equal(t, []byte("newer-src"), m.Value())
	require.True(t, m.Next())
	assert.Equal(t, []byte("older-src"), m.Value())
	require.True(t, m.Next())
	assert.Equal(t, []byte("m"), m.Key())
}

func TestMergeManySources(t *testing.T) {
	var children []core.Cursor
	want := 0
	for s := 0; s < 10; s++ {
		var entries []core.Entry
		for i := 0; i < 50; i++ {
			entries = append(entries, put(fmt.Sprintf("key%02d-%03d", s, i), uint64(i+1), "v"))
			want++
		}
		children = append(children, newSliceCursor(entries))
	}
	m := NewMerging(children)
	defer m.Close()

	got := collect(t, m)
	require.Len(t, got, want)
	for i := 1; i < len(got); i++ {
		require.Negative(t, core.CompareEntries(&got[i-1], &got[i]),
			"entries must be strictly increasing at %d", i)
	}
}

func TestMergeEmptyAndNestedCursors(t *testing.T) {
	inner := NewMerging([]core.Cursor{
		newSliceCursor([]core.Entry{put("b", 2, "2")}),
		newSliceCursor(nil),
	})
	outer := NewMerging([]core.Cursor{
		inner,
		newSliceCursor([]core.Entry{put("a", 1, "1")}),
	})
	defer outer.Close()

	got := collect(t, outer)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[0].Key)
	assert.Equal(t, []byte("b"), got[1].Key)
}
