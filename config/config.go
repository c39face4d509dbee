// Package config loads engine options from a YAML document and resolves
// them into the core.Options the engine consumes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/trigon/compressors"
	"github.com/INLOpen/trigon/core"
)

// SSTableConfig holds table-format tunables.
type SSTableConfig struct {
	TargetFileSizeBytes int64  `yaml:"target_file_size_bytes"`
	BlockSizeBytes      int    `yaml:"block_size_bytes"`
	RestartInterval     int    `yaml:"restart_interval"`
	BloomBitsPerKey     int    `yaml:"bloom_bits_per_key"`
	Compression         string `yaml:"compression"`
}

// CompactionConfig holds planner and executor tunables.
type CompactionConfig struct {
	MaxLevels          int     `yaml:"max_levels"`
	BaseLevelFiles     int     `yaml:"base_level_files"`
	FillThreshold      float64 `yaml:"fill_threshold"`
	MaxTriangleHeight  int     `yaml:"max_triangle_height"`
	MaxBytesPerRun     int64   `yaml:"max_bytes_per_run"`
	Background         bool    `yaml:"background"`
	L0StallFileCount   int     `yaml:"l0_stall_file_count"`
	L0StallSizeBytes   int64   `yaml:"l0_stall_size_bytes"`
}

// ManifestConfig holds manifest log tunables.
type ManifestConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	DirtyEdits   int   `yaml:"dirty_edits"`
}

// Config is the root YAML document.
type Config struct {
	Dir        string           `yaml:"dir"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Compaction CompactionConfig `yaml:"compaction"`
	Manifest   ManifestConfig   `yaml:"manifest"`
}

// Load reads and resolves a YAML config file.
func Load(path string) (core.Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Options{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse resolves a YAML document into engine options. Absent fields keep
// their defaults.
func Parse(data []byte) (core.Options, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return core.Options{}, fmt.Errorf("parse config: %w", err)
	}
	opts := core.DefaultOptions(cfg.Dir)

	if v := cfg.SSTable.TargetFileSizeBytes; v != 0 {
		opts.TargetFileSize = v
	}
	if v := cfg.SSTable.BlockSizeBytes; v != 0 {
		opts.TargetBlockSize = v
	}
	if v := cfg.SSTable.RestartInterval; v != 0 {
		opts.RestartInterval = v
	}
	if v := cfg.SSTable.BloomBitsPerKey; v != 0 {
		opts.BloomBitsPerKey = v
	}
	if cfg.SSTable.Compression != "" {
		compressor, err := compressorFor(cfg.SSTable.Compression)
		if err != nil {
			return core.Options{}, err
		}
		opts.Compressor = compressor
	}

	if v := cfg.Compaction.MaxLevels; v != 0 {
		opts.MaxLevels = v
	}
	if v := cfg.Compaction.BaseLevelFiles; v != 0 {
		opts.BaseLevelFiles = v
	}
	if v := cfg.Compaction.FillThreshold; v != 0 {
		opts.FillThreshold = v
	}
	if v := cfg.Compaction.MaxTriangleHeight; v != 0 {
		opts.MaxTriangleHeight = v
	}
	if v := cfg.Compaction.MaxBytesPerRun; v != 0 {
		opts.MaxCompactionBytes = v
	}
	if v := cfg.Compaction.L0StallFileCount; v != 0 {
		opts.L0StallFiles = v
	}
	if v := cfg.Compaction.L0StallSizeBytes; v != 0 {
		opts.L0StallBytes = v
	}
	opts.BackgroundCompaction = cfg.Compaction.Background

	if v := cfg.Manifest.MaxSizeBytes; v != 0 {
		opts.MaxManifestBytes = v
	}
	if v := cfg.Manifest.DirtyEdits; v != 0 {
		opts.ManifestDirtyEdits = v
	}

	if err := opts.Validate(); err != nil {
		return core.Options{}, err
	}
	return opts, nil
}

func compressorFor(name string) (core.Compressor, error) {
	switch name {
	case "none":
		return compressors.NewNoneCompressor(), nil
	case "snappy":
		return compressors.NewSnappyCompressor(), nil
	case "lz4":
		return compressors.NewLZ4Compressor(), nil
	case "zstd":
		return compressors.NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression %q (want none, snappy, lz4, or zstd)", name)
	}
}
