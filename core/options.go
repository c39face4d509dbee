package core

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Options configures an engine instance. The zero value is not usable; call
// DefaultOptions and override, or load a document via the config package.
type Options struct {
	// Dir is the root of the engine's file tree: data/, trash/, manifest/
	// and CURRENT all live beneath it.
	Dir string

	// MaxLevels is the number of levels in the tree.
	MaxLevels int
	// BaseLevelFiles scales level capacity: level L targets
	// BaseLevelFiles * 2^L * TargetFileSize bytes.
	BaseLevelFiles int
	// TargetFileSize is the size compaction aims for in output SSTables.
	TargetFileSize int64
	// TargetBlockSize is the uncompressed size a data block is sealed at.
	TargetBlockSize int
	// RestartInterval is the number of entries between block restart points.
	RestartInterval int
	// BloomBitsPerKey sizes the per-file bloom filter. Zero disables it.
	BloomBitsPerKey int

	// FillThreshold is the fraction of a level's capacity at which the
	// planner considers it full.
	FillThreshold float64
	// MaxTriangleHeight bounds how many consecutive levels one compaction
	// may span.
	MaxTriangleHeight int
	// MaxCompactionBytes rejects plans whose input bytes exceed it.
	MaxCompactionBytes int64

	// L0StallFiles and L0StallBytes are the ingestion backpressure caps.
	L0StallFiles int
	L0StallBytes int64

	// MaxManifestBytes triggers a manifest rollover when the live log
	// exceeds it.
	MaxManifestBytes int64
	// ManifestDirtyEdits triggers a rollover after this many edits even if
	// the log is small.
	ManifestDirtyEdits int

	// Compressor encodes data blocks on disk. Nil means no compression.
	Compressor Compressor

	// Logger receives structured progress and error events. Nil falls back
	// to slog.Default().
	Logger *slog.Logger
	// Tracer, when non-nil, wraps expensive operations in spans.
	Tracer trace.Tracer

	// BackgroundCompaction starts the planner loop on Open.
	BackgroundCompaction bool
}

// DefaultOptions returns the tuning the format version was fixed with.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		MaxLevels:          11,
		BaseLevelFiles:     8,
		TargetFileSize:     64 << 20,
		TargetBlockSize:    4 << 10,
		RestartInterval:    16,
		BloomBitsPerKey:    10,
		FillThreshold:      0.8,
		MaxTriangleHeight:  11,
		MaxCompactionBytes: 1 << 31,
		L0StallFiles:       16,
		L0StallBytes:       1 << 30,
		MaxManifestBytes:   64 << 20,
		ManifestDirtyEdits: 1 << 16,
	}
}

// Validate rejects configurations the engine cannot honor.
func (o *Options) Validate() error {
	if o.Dir == "" {
		return fmt.Errorf("options: Dir must be set")
	}
	if o.MaxLevels < 2 {
		return fmt.Errorf("options: MaxLevels %d must be at least 2", o.MaxLevels)
	}
	if o.BaseLevelFiles < 1 {
		return fmt.Errorf("options: BaseLevelFiles %d must be positive", o.BaseLevelFiles)
	}
	if o.TargetFileSize <= 0 {
		return fmt.Errorf("options: TargetFileSize %d must be positive", o.TargetFileSize)
	}
	if o.TargetBlockSize <= 0 || int64(o.TargetBlockSize) > o.TargetFileSize {
		return fmt.Errorf("options: TargetBlockSize %d must be positive and no larger than TargetFileSize", o.TargetBlockSize)
	}
	if o.RestartInterval < 1 {
		return fmt.Errorf("options: RestartInterval %d must be positive", o.RestartInterval)
	}
	if o.FillThreshold <= 0 || o.FillThreshold > 1 {
		return fmt.Errorf("options: FillThreshold %v must be in (0, 1]", o.FillThreshold)
	}
	if o.MaxTriangleHeight < 1 || o.MaxTriangleHeight > o.MaxLevels {
		return fmt.Errorf("options: MaxTriangleHeight %d must be in [1, MaxLevels]", o.MaxTriangleHeight)
	}
	if o.MaxCompactionBytes <= 0 {
		return fmt.Errorf("options: MaxCompactionBytes %d must be positive", o.MaxCompactionBytes)
	}
	if o.L0StallFiles < 1 {
		return fmt.Errorf("options: L0StallFiles %d must be positive", o.L0StallFiles)
	}
	if o.MaxManifestBytes <= 0 {
		return fmt.Errorf("options: MaxManifestBytes %d must be positive", o.MaxManifestBytes)
	}
	return nil
}

// LevelCapacity is the byte target for a level.
func (o *Options) LevelCapacity(level int) int64 {
	return int64(o.BaseLevelFiles) * (1 << uint(level)) * o.TargetFileSize
}

// GetLogger returns the configured logger or the process default.
func (o *Options) GetLogger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
