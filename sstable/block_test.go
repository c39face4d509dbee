package sstable

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/trigon/core"
)

func buildTestBlock(t *testing.T, restartInterval int, entries []core.Entry) []byte {
	t.Helper()
	b := newBlockBuilder(restartInterval)
	for i := range entries {
		b.Add(&entries[i])
	}
	return b.Finish()
}

func blockEntries(n int) []core.Entry {
	var out []core.Entry
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		out = append(out, core.Entry{
			Key:   key,
			Ts:    uint64(1000 - i),
			Value: []byte(fmt.Sprintf("value-%d", i)),
			Type:  core.EntryTypePut,
		})
	}
	return out
}

func TestBlockForwardIteration(t *testing.T) {
	entries := blockEntries(100)
	block := buildTestBlock(t, 16, entries)

	c, err := newBlockCursor(block)
	require.NoError(t, err)

	i := 0
	for c.SeekToFirst(); c.Valid(); c.Next() {
		require.Less(t, i, len(entries))
		assert.Equal(t, entries[i].Key, c.Key())
		assert.Equal(t, entries[i].Ts, c.Ts())
		assert.Equal(t, entries[i].Value, c.Value())
		assert.False(t, c.IsTombstone())
		i++
	}
	require.NoError(t, c.Err())
	require.Equal(t, len(entries), i)
}

func TestBlockReverseIteration(t *testing.T) {
	entries := blockEntries(57)
	block := buildTestBlock(t, 8, entries)

	c, err := newBlockCursor(block)
	require.NoError(t, err)

	i := len(entries) - 1
	for c.SeekToLast(); c.Valid(); c.Prev() {
		require.GreaterOrEqual(t, i, 0)
		assert.Equal(t, entries[i].Key, c.Key())
		assert.Equal(t, entries[i].Ts, c.Ts())
		i--
	}
	require.NoError(t, c.Err())
	require.Equal(t, -1, i)
}

func TestBlockSeek(t *testing.T) {
	entries := blockEntries(64)
	block := buildTestBlock(t, 16, entries)

	c, err := newBlockCursor(block)
	require.NoError(t, err)

	// Exact hits.
	for _, i := range []int{0, 1, 15, 16, 17, 63} {
		c.Seek(entries[i].Key, entries[i].Ts)
		require.True(t, c.Valid(), "seek to entry %d", i)
		assert.Equal(t, entries[i].Key, c.Key())
		assert.Equal(t, entries[i].Ts, c.Ts())
	}

	// A higher timestamp for the same key sorts earlier, so seeking with
	// it lands on the stored entry.
	c.Seek(entries[10].Key, entries[10].Ts+5)
	require.True(t, c.Valid())
	assert.Equal(t, entries[10].Key, c.Key())

	// A lower timestamp sorts after the stored entry; the next key wins.
	c.Seek(entries[10].Key, entries[10].Ts-5)
	require.True(t, c.Valid())
	assert.Equal(t, entries[11].Key, c.Key())

	// Beyond the last entry.
	c.Seek([]byte("zzzz"), 1)
	assert.False(t, c.Valid())
	assert.NoError(t, c.Err())
}

func TestBlockSameKeyManyVersions(t *testing.T) {
	entries := []core.Entry{
		{Key: []byte("k"), Ts: 30, Value: []byte("v30"), Type: core.EntryTypePut},
		{Key: []byte("k"), Ts: 20, Type: core.EntryTypeTombstone},
		{Key: []byte("k"), Ts: 10, Value: []byte("v10"), Type: core.EntryTypePut},
	}
	block := buildTestBlock(t, 16, entries)

	c, err := newBlockCursor(block)
	require.NoError(t, err)

	c.SeekToFirst()
	require.True(t, c.Valid())
	assert.Equal(t, uint64(30), c.Ts())
	require.True(t, c.Next())
	assert.Equal(t, uint64(20), c.Ts())
	assert.True(t, c.IsTombstone())
	assert.Nil(t, c.Value())
	require.True(t, c.Next())
	assert.Equal(t, uint64(10), c.Ts())
	require.False(t, c.Next())

	// Seek at ts 25 positions on the newest entry with ts <= 25.
	c.Seek([]byte("k"), 25)
	require.True(t, c.Valid())
	assert.Equal(t, uint64(20), c.Ts())
}

func TestBlockCorruptChecksum(t *testing.T) {
	block := buildTestBlock(t, 16, blockEntries(10))
	block[3] ^= 0xFF
	_, err := newBlockCursor(block)
	require.ErrorIs(t, err, core.ErrCorruptBlock)
}

func TestBlockMalformedTrailer(t *testing.T) {
	block := buildTestBlock(t, 16, blockEntries(10))

	// Claim more restarts than the block can hold, fixing the checksum so
	// the structural check is what trips.
	binary.LittleEndian.PutUint32(block[len(block)-8:], 0xFFFF)
	binary.LittleEndian.PutUint32(block[len(block)-4:], Checksum(block[:len(block)-4]))
	_, err := newBlockCursor(block)
	require.ErrorIs(t, err, core.ErrMalformedBlock)
}

func TestBlockTruncatedRecord(t *testing.T) {
	entries := blockEntries(3)
	b := newBlockBuilder(16)
	for i := range entries {
		b.Add(&entries[i])
	}
	body := append([]byte(nil), b.buf...)

	// Rebuild a block whose entry region is cut mid-record but whose
	// trailer and checksum are consistent.
	cut := body[:len(body)-4]
	var block []byte
	block = append(block, cut...)
	block = binary.LittleEndian.AppendUint32(block, 0) // restart at 0
	block = binary.LittleEndian.AppendUint32(block, 1) // one restart
	block = binary.LittleEndian.AppendUint32(block, Checksum(block))

	c, err := newBlockCursor(block)
	require.NoError(t, err)
	c.SeekToFirst()
	for c.Valid() {
		c.Next()
	}
	require.ErrorIs(t, c.Err(), core.ErrMalformedBlock)
}

func TestBlockPrefixCompressionRestarts(t *testing.T) {
	// Keys share long prefixes; with a small restart interval the block
	// must still reconstruct every key exactly.
	var entries []core.Entry
	for i := 0; i < 40; i++ {
		entries = append(entries, core.Entry{
			Key:   []byte(fmt.Sprintf("shared/prefix/deep/%08d", i)),
			Ts:    uint64(40 - i),
			Value: []byte{byte(i)},
			Type:  core.EntryTypePut,
		})
	}
	block := buildTestBlock(t, 4, entries)
	c, err := newBlockCursor(block)
	require.NoError(t, err)
	i := 0
	for c.SeekToFirst(); c.Valid(); c.Next() {
		assert.Equal(t, entries[i].Key, c.Key())
		i++
	}
	require.NoError(t, c.Err())
	require.Equal(t, len(entries), i)
}
