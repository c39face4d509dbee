package sstable

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/setsum"
)

// WriterOptions configures a table writer.
type WriterOptions struct {
	// Path is the final file path. The writer writes to Path + ".tmp" and
	// renames on Finish.
	Path string
	// BlockSize is the uncompressed size a data block is sealed at.
	BlockSize int
	// RestartInterval is the entry count between block restart points.
	RestartInterval int
	// BloomBitsPerKey sizes the bloom filter; zero writes an empty filter.
	BloomBitsPerKey int
	// Compressor encodes block payloads. Nil stores blocks verbatim.
	Compressor core.Compressor
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// Writer builds one immutable table. Entries must arrive in strictly
// increasing (key ASC, ts DESC) order; duplicates of the same (key, ts)
// are rejected. Finish seals the file: data blocks, filter block, index
// block, footer, fsync, rename.
type Writer struct {
	opts     WriterOptions
	tempPath string
	file     *os.File
	offset   uint64

	block *blockBuilder
	index indexBuilder
	bloom *bloomBuilder
	sum   setsum.Setsum

	blockFirstKey []byte
	blockFirstTs  uint64

	smallest   []byte
	largest    []byte
	minTs      uint64
	maxTs      uint64
	entryCount uint64

	lastKey  []byte
	lastTs   uint64
	haveLast bool
	finished bool

	logger *slog.Logger
}

// NewWriter creates the temporary file and an empty table writer.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = DefaultRestartInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tempPath := opts.Path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create sstable temp file %s: %w", tempPath, err)
	}

	return &Writer{
		opts:     opts,
		tempPath: tempPath,
		file:     file,
		block:    newBlockBuilder(opts.RestartInterval),
		bloom:    newBloomBuilder(opts.BloomBitsPerKey),
		logger:   logger,
	}, nil
}

// Add appends one entry.
func (w *Writer) Add(e *core.Entry) error {
	if w.finished {
		return fmt.Errorf("add after finish: %w", core.ErrClosed)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if w.haveLast {
		if core.CompareKeyTs(e.Key, e.Ts, w.lastKey, w.lastTs) <= 0 {
			return fmt.Errorf("entry (%q, %d) not after (%q, %d): entries must be strictly increasing",
				e.Key, e.Ts, w.lastKey, w.lastTs)
		}
	}

	// Seal the current block at the first entry that would push it past
	// the target size.
	if !w.block.Empty() && w.block.EstimatedSize()+entryEstimate(e) > w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	if w.block.Empty() {
		w.blockFirstKey = append(w.blockFirstKey[:0], e.Key...)
		w.blockFirstTs = e.Ts
	}
	w.block.Add(e)
	w.bloom.Add(e.Key)
	w.sum.InsertEntry(e)

	if w.smallest == nil {
		w.smallest = append([]byte(nil), e.Key...)
		w.minTs = e.Ts
		w.maxTs = e.Ts
	}
	w.largest = append(w.largest[:0], e.Key...)
	if e.Ts < w.minTs {
		w.minTs = e.Ts
	}
	if e.Ts > w.maxTs {
		w.maxTs = e.Ts
	}
	w.entryCount++

	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.lastTs = e.Ts
	w.haveLast = true
	return nil
}

// entryEstimate approximates an entry's encoded size for block sealing.
func entryEstimate(e *core.Entry) int {
	return 4*binary.MaxVarintLen32 + len(e.Key) + len(e.Value)
}

// flushBlock seals the current block, applies the compression envelope,
// writes it, and records its index entry.
func (w *Writer) flushBlock() error {
	if w.block.Empty() {
		return nil
	}
	body := w.block.Finish()

	envelope := core.CompressionNone
	payload := body
	if w.opts.Compressor != nil && w.opts.Compressor.Type() != core.CompressionNone {
		buf := core.BufferPool.Get()
		defer core.BufferPool.Put(buf)
		if err := w.opts.Compressor.CompressTo(buf, body); err != nil {
			return fmt.Errorf("compress block: %w", err)
		}
		// Keep the raw form when compression does not help.
		if buf.Len() < len(body) {
			envelope = w.opts.Compressor.Type()
			payload = buf.Bytes()
		}
	}

	blockOffset := w.offset
	if _, err := w.file.Write([]byte{byte(envelope)}); err != nil {
		return fmt.Errorf("write block envelope: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("write block payload: %w", err)
	}
	w.offset += uint64(1 + len(payload))

	w.index.Add(w.blockFirstKey, w.blockFirstTs, blockOffset, uint32(1+len(payload)))
	w.logger.Debug("flushed block",
		"offset", blockOffset,
		"uncompressed", len(body),
		"on_disk", 1+len(payload),
		"compression", envelope.String())
	w.block.Reset()
	return nil
}

// Finish writes the filter block, index block, and footer, syncs the file,
// and renames it into place. The writer is unusable afterwards.
func (w *Writer) Finish() error {
	return w.FinishContext(context.Background())
}

// FinishContext is Finish with span propagation.
func (w *Writer) FinishContext(ctx context.Context) error {
	if w.finished {
		return fmt.Errorf("finish after finish: %w", core.ErrClosed)
	}
	if w.opts.Tracer != nil {
		var span trace.Span
		_, span = w.opts.Tracer.Start(ctx, "sstable.Writer.Finish")
		defer span.End()
		span.SetAttributes(
			attribute.String("sstable.path", w.opts.Path),
			attribute.Int64("sstable.entries", int64(w.entryCount)),
		)
	}
	if w.entryCount == 0 {
		w.abort()
		return fmt.Errorf("cannot finish an empty sstable")
	}
	if err := w.flushBlock(); err != nil {
		w.abort()
		return err
	}

	filterData := w.bloom.Finish()
	filterOffset := w.offset
	if _, err := w.file.Write(filterData); err != nil {
		w.abort()
		return fmt.Errorf("write filter block: %w", err)
	}
	w.offset += uint64(len(filterData))

	indexData := w.index.Build()
	indexOffset := w.offset
	if _, err := w.file.Write(indexData); err != nil {
		w.abort()
		return fmt.Errorf("write index block: %w", err)
	}
	w.offset += uint64(len(indexData))

	footer := w.buildFooter(filterOffset, uint64(len(filterData)), indexOffset, uint64(len(indexData)))
	if _, err := w.file.Write(footer); err != nil {
		w.abort()
		return fmt.Errorf("write footer: %w", err)
	}
	w.offset += uint64(len(footer))

	if err := w.file.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("sync sstable: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		w.abort()
		return fmt.Errorf("close sstable: %w", err)
	}
	w.file = nil
	if err := os.Rename(w.tempPath, w.opts.Path); err != nil {
		w.abort()
		return fmt.Errorf("rename %s to %s: %w", w.tempPath, w.opts.Path, err)
	}
	if err := syncDir(filepath.Dir(w.opts.Path)); err != nil {
		return err
	}
	w.finished = true
	w.logger.Debug("sealed sstable",
		"path", w.opts.Path,
		"entries", w.entryCount,
		"bytes", w.offset,
		"setsum", w.sum.Hexdigest())
	return nil
}

func (w *Writer) buildFooter(filterOff, filterLen, indexOff, indexLen uint64) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.smallest)))
	buf = append(buf, w.smallest...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.largest)))
	buf = append(buf, w.largest...)
	buf = binary.LittleEndian.AppendUint64(buf, filterOff)
	buf = binary.LittleEndian.AppendUint64(buf, filterLen)
	buf = binary.LittleEndian.AppendUint64(buf, indexOff)
	buf = binary.LittleEndian.AppendUint64(buf, indexLen)
	buf = binary.LittleEndian.AppendUint64(buf, w.entryCount)
	buf = binary.LittleEndian.AppendUint64(buf, w.minTs)
	buf = binary.LittleEndian.AppendUint64(buf, w.maxTs)
	digest := w.sum.Digest()
	buf = append(buf, digest[:]...)
	footerLen := uint32(len(buf) + footerTrailerLen)
	buf = binary.LittleEndian.AppendUint32(buf, footerLen)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, Checksum(buf))
	buf = binary.LittleEndian.AppendUint64(buf, MagicNumber)
	return buf
}

// Setsum returns the accumulated checksum of everything added so far.
func (w *Writer) Setsum() setsum.Setsum {
	return w.sum
}

// EntryCount returns the number of entries added so far.
func (w *Writer) EntryCount() uint64 {
	return w.entryCount
}

// EstimatedSize returns the bytes written plus the current open block.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(w.block.EstimatedSize())
}

// Path returns the final path the table is (or will be) sealed at.
func (w *Writer) Path() string {
	return w.opts.Path
}

func (w *Writer) abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.tempPath != "" {
		if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove sstable temp file", "path", w.tempPath, "error", err)
		}
		w.tempPath = ""
	}
}

// Abort discards the partially written table and removes the temp file.
func (w *Writer) Abort() error {
	if w.finished {
		return nil
	}
	w.abort()
	w.finished = true
	return nil
}

// syncDir fsyncs a directory so a rename within it is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s for sync: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
