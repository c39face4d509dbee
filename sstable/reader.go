package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/trigon/compressors"
	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/setsum"
)

// Metadata is the footer-derived description of a table.
type Metadata struct {
	ID         core.FileID
	Smallest   []byte
	Largest    []byte
	MinTs      uint64
	MaxTs      uint64
	EntryCount uint64
	Size       int64
	Setsum     setsum.Setsum
}

// KeyRange returns the inclusive key range the table covers.
func (m *Metadata) KeyRange() core.KeyRange {
	return core.KeyRange{Smallest: m.Smallest, Largest: m.Largest}
}

// ReaderOptions configures opening a table.
type ReaderOptions struct {
	// ID is the file's stable identifier, carried into Metadata.
	ID     core.FileID
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Reader is an open, immutable table. Readers are refcounted: the owner
// holds one reference, every cursor holds another, and the file closes when
// the count drops to zero.
type Reader struct {
	path   string
	file   *os.File
	meta   Metadata
	index  *blockIndex
	filter *bloomFilter
	logger *slog.Logger
	tracer trace.Tracer

	filterOff, filterLen uint64
	indexOff, indexLen   uint64

	refs   atomic.Int32
	closed atomic.Bool
}

// Open reads and validates the footer, index, and filter of the table at
// path.
func Open(path string, opts ReaderOptions) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sstable %s: %w", path, err)
	}
	r := &Reader{
		path:   path,
		file:   file,
		logger: logger,
		tracer: opts.Tracer,
	}
	r.refs.Store(1)
	if err := r.readFooter(); err != nil {
		file.Close()
		return nil, err
	}
	r.meta.ID = opts.ID

	indexData, err := r.readRaw(r.indexOff, r.indexLen)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read index block of %s: %w", path, err)
	}
	r.index, err = parseBlockIndex(indexData)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("parse index block of %s: %w", path, err)
	}
	filterData, err := r.readRaw(r.filterOff, r.filterLen)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read filter block of %s: %w", path, err)
	}
	r.filter, err = parseBloomFilter(filterData)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("parse filter block of %s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) readFooter() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat sstable %s: %w", r.path, err)
	}
	size := info.Size()
	r.meta.Size = size
	if size < int64(footerTrailerLen) {
		return fmt.Errorf("sstable %s of %d bytes has no footer: %w", r.path, size, core.ErrCorruptFooter)
	}

	var trailer [footerTrailerLen]byte
	if _, err := r.file.ReadAt(trailer[:], size-int64(footerTrailerLen)); err != nil {
		return fmt.Errorf("read footer trailer of %s: %w", r.path, err)
	}
	if magic := binary.LittleEndian.Uint64(trailer[12:]); magic != MagicNumber {
		return fmt.Errorf("sstable %s has magic %016x, want %016x: %w", r.path, magic, MagicNumber, core.ErrCorruptFooter)
	}
	if version := binary.LittleEndian.Uint32(trailer[4:]); version != FormatVersion {
		return fmt.Errorf("sstable %s has format version %d: %w", r.path, version, core.ErrVersionUnsupported)
	}
	footerLen := int64(binary.LittleEndian.Uint32(trailer[0:]))
	if footerLen < int64(footerTrailerLen) || footerLen > size {
		return fmt.Errorf("sstable %s footer length %d is implausible: %w", r.path, footerLen, core.ErrCorruptFooter)
	}

	footer := make([]byte, footerLen)
	if _, err := r.file.ReadAt(footer, size-footerLen); err != nil {
		return fmt.Errorf("read footer of %s: %w", r.path, err)
	}
	storedCRC := binary.LittleEndian.Uint32(footer[footerLen-12:])
	if actual := Checksum(footer[:footerLen-12]); actual != storedCRC {
		return fmt.Errorf("sstable %s footer checksum %08x does not match stored %08x: %w",
			r.path, actual, storedCRC, core.ErrCorruptFooter)
	}

	rd := bytes.NewReader(footer)
	readU32 := func() (uint32, error) {
		var buf [4]byte
		if _, err := io.ReadFull(rd, buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
	readU64 := func() (uint64, error) {
		var buf [8]byte
		if _, err := io.ReadFull(rd, buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	corrupt := func(err error) error {
		return fmt.Errorf("sstable %s footer truncated: %v: %w", r.path, err, core.ErrCorruptFooter)
	}

	smallestLen, err := readU32()
	if err != nil {
		return corrupt(err)
	}
	r.meta.Smallest = make([]byte, smallestLen)
	if _, err := io.ReadFull(rd, r.meta.Smallest); err != nil {
		return corrupt(err)
	}
	largestLen, err := readU32()
	if err != nil {
		return corrupt(err)
	}
	r.meta.Largest = make([]byte, largestLen)
	if _, err := io.ReadFull(rd, r.meta.Largest); err != nil {
		return corrupt(err)
	}
	if r.filterOff, err = readU64(); err != nil {
		return corrupt(err)
	}
	if r.filterLen, err = readU64(); err != nil {
		return corrupt(err)
	}
	if r.indexOff, err = readU64(); err != nil {
		return corrupt(err)
	}
	if r.indexLen, err = readU64(); err != nil {
		return corrupt(err)
	}
	if r.meta.EntryCount, err = readU64(); err != nil {
		return corrupt(err)
	}
	if r.meta.MinTs, err = readU64(); err != nil {
		return corrupt(err)
	}
	if r.meta.MaxTs, err = readU64(); err != nil {
		return corrupt(err)
	}
	var digest [setsum.Bytes]byte
	if _, err := io.ReadFull(rd, digest[:]); err != nil {
		return corrupt(err)
	}
	if r.meta.Setsum, err = setsum.Parse(digest); err != nil {
		return fmt.Errorf("sstable %s footer: %w", r.path, err)
	}
	if rd.Len() != footerTrailerLen {
		return fmt.Errorf("sstable %s footer has %d trailing bytes: %w", r.path, rd.Len(), core.ErrCorruptFooter)
	}
	return nil
}

// readRaw reads length bytes at offset without interpretation.
func (r *Reader) readRaw(offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// readBlock reads the block at the given index position, strips the
// compression envelope, and verifies nothing; the block cursor checks the
// CRC of the uncompressed form.
func (r *Reader) readBlock(pos int) ([]byte, error) {
	e := r.index.entries[pos]
	raw, err := r.readRaw(e.offset, uint64(e.length))
	if err != nil {
		return nil, fmt.Errorf("read block %d of %s: %w", pos, r.path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("block %d of %s is empty: %w", pos, r.path, core.ErrMalformedBlock)
	}
	envelope := core.CompressionType(raw[0])
	payload := raw[1:]
	if envelope == core.CompressionNone {
		return payload, nil
	}
	codec, err := compressors.ForType(envelope)
	if err != nil {
		return nil, fmt.Errorf("block %d of %s: %w", pos, r.path, err)
	}
	out, err := codec.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("decompress block %d of %s: %v: %w", pos, r.path, err, core.ErrCorruptBlock)
	}
	return out, nil
}

// Metadata returns the table's footer-derived description.
func (r *Reader) Metadata() *Metadata {
	return &r.meta
}

// Path returns the file path the reader was opened from.
func (r *Reader) Path() string {
	return r.path
}

// Get returns the newest entry for key visible at snapshotTs. A tombstone
// is returned as-is; translating it to absence is the caller's concern.
// Misses return core.ErrNotFound.
func (r *Reader) Get(key []byte, snapshotTs uint64) (*core.Entry, error) {
	if !r.filter.MayContain(key) {
		return nil, core.ErrNotFound
	}
	cur := r.NewCursor()
	defer cur.Close()
	cur.Seek(key, snapshotTs)
	if !cur.Valid() {
		if err := cur.Err(); err != nil {
			return nil, err
		}
		return nil, core.ErrNotFound
	}
	if !bytes.Equal(cur.Key(), key) {
		return nil, core.ErrNotFound
	}
	e := &core.Entry{
		Key: append([]byte(nil), cur.Key()...),
		Ts:  cur.Ts(),
	}
	if cur.IsTombstone() {
		e.Type = core.EntryTypeTombstone
	} else {
		e.Value = append([]byte(nil), cur.Value()...)
	}
	return e, nil
}

// VerifySetsum rescans every entry and compares the recomputed setsum with
// the footer's. The ordinary cursor never pays this cost; scrubs opt in.
func (r *Reader) VerifySetsum() error {
	var sum setsum.Setsum
	cur := r.NewCursor()
	defer cur.Close()
	for cur.SeekToFirst(); cur.Valid(); cur.Next() {
		e := core.Entry{Key: cur.Key(), Ts: cur.Ts(), Value: cur.Value()}
		if cur.IsTombstone() {
			e.Type = core.EntryTypeTombstone
			e.Value = nil
		}
		sum.InsertEntry(&e)
	}
	if err := cur.Err(); err != nil {
		return err
	}
	if !sum.Equal(r.meta.Setsum) {
		return fmt.Errorf("sstable %s recomputed setsum %s, footer says %s: %w",
			r.path, sum.Hexdigest(), r.meta.Setsum.Hexdigest(), core.ErrSetsumMismatch)
	}
	return nil
}

// Ref takes a reference; the file stays open until every reference is
// released.
func (r *Reader) Ref() {
	r.refs.Add(1)
}

// Unref releases one reference, closing the file on the last one.
func (r *Reader) Unref() error {
	n := r.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("sstable %s reference count went negative", r.path)
	}
	if r.closed.CompareAndSwap(false, true) {
		return r.file.Close()
	}
	return nil
}

// Refs returns the current reference count.
func (r *Reader) Refs() int32 {
	return r.refs.Load()
}

// Close releases the owner's reference.
func (r *Reader) Close() error {
	return r.Unref()
}
