package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/trigon/core"
)

const sampleConfig = `
dir: /var/lib/trigon
sstable:
  target_file_size_bytes: 8388608
  block_size_bytes: 8192
  restart_interval: 32
  bloom_bits_per_key: 12
  compression: snappy
compaction:
  max_levels: 9
  base_level_files: 4
  fill_threshold: 0.75
  max_triangle_height: 5
  max_bytes_per_run: 268435456
  background: true
  l0_stall_file_count: 24
manifest:
  max_size_bytes: 33554432
  dirty_edits: 4096
`

func TestParse(t *testing.T) {
	opts, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/trigon", opts.Dir)
	assert.Equal(t, int64(8388608), opts.TargetFileSize)
	assert.Equal(t, 8192, opts.TargetBlockSize)
	assert.Equal(t, 32, opts.RestartInterval)
	assert.Equal(t, 12, opts.BloomBitsPerKey)
	require.NotNil(t, opts.Compressor)
	assert.Equal(t, core.CompressionSnappy, opts.Compressor.Type())
	assert.Equal(t, 9, opts.MaxLevels)
	assert.Equal(t, 4, opts.BaseLevelFiles)
	assert.InDelta(t, 0.75, opts.FillThreshold, 1e-9)
	assert.Equal(t, 5, opts.MaxTriangleHeight)
	assert.Equal(t, int64(268435456), opts.MaxCompactionBytes)
	assert.True(t, opts.BackgroundCompaction)
	assert.Equal(t, 24, opts.L0StallFiles)
	assert.Equal(t, int64(33554432), opts.MaxManifestBytes)
	assert.Equal(t, 4096, opts.ManifestDirtyEdits)
}

func TestParseDefaults(t *testing.T) {
	opts, err := Parse([]byte("dir: /tmp/db\n"))
	require.NoError(t, err)
	defaults := core.DefaultOptions("/tmp/db")
	assert.Equal(t, defaults.TargetFileSize, opts.TargetFileSize)
	assert.Equal(t, defaults.MaxLevels, opts.MaxLevels)
	assert.Nil(t, opts.Compressor)
	assert.False(t, opts.BackgroundCompaction)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte("dir: [not, a, string]"))
	require.Error(t, err)

	_, err = Parse([]byte("dir: /tmp/db\nsstable:\n  compression: brotli\n"))
	require.Error(t, err)

	// Missing dir fails validation.
	_, err = Parse([]byte("sstable:\n  block_size_bytes: 4096\n"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trigon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/trigon", opts.Dir)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
