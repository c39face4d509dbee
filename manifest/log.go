package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/setsum"
)

const (
	// CurrentFileName is the pointer file naming the live manifest log.
	CurrentFileName = "CURRENT"
	// DirName is the directory manifest logs live in, under the root.
	DirName = "manifest"

	logSuffix      = ".log"
	frameHeaderLen = 8 // length:u32 + crc32c:u32
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Options tunes the manifest log.
type Options struct {
	// MaxBytes triggers a rollover once the live log grows past it.
	MaxBytes int64
	// DirtyEdits triggers a rollover after this many appended edits.
	DirtyEdits int
	Logger     *slog.Logger
}

// LedgerRecord is the read-only per-edit accounting the verifier consumes.
// Added is the setsum of the edit's added files plus the entries it
// dropped, so a balanced compact or split edit has Added equal to Removed.
// A rollover record restates the whole live set as Added. Summed from the
// latest rollover record (or the start of the log), Added minus Removed
// equals the global setsum plus every entry dropped since that record.
type LedgerRecord struct {
	Seq     uint64
	Reason  Reason
	Added   setsum.Setsum
	Removed setsum.Setsum
}

// State is the replayed content of a manifest log: the live file set, the
// global setsum over it, and the ledger.
type State struct {
	Live    map[core.FileID]FileRef
	Global  setsum.Setsum
	LastSeq uint64
	Records []LedgerRecord
}

func newState() *State {
	return &State{Live: make(map[core.FileID]FileRef)}
}

// apply folds one edit into the state. The edit has already been checked
// for balance.
func (s *State) apply(e *Edit) error {
	for i := range e.Removed {
		f := &e.Removed[i]
		if _, ok := s.Live[f.ID]; !ok {
			return fmt.Errorf("edit %d removes unknown file %s", e.Seq, f.ID)
		}
		delete(s.Live, f.ID)
	}
	for i := range e.Added {
		f := e.Added[i]
		if _, ok := s.Live[f.ID]; ok {
			return fmt.Errorf("edit %d adds duplicate file %s", e.Seq, f.ID)
		}
		s.Live[f.ID] = f
	}
	s.Global = s.Global.Union(e.SetsumAdded()).Difference(e.SetsumRemoved()).Difference(e.Dropped)
	s.LastSeq = e.Seq
	s.Records = append(s.Records, LedgerRecord{
		Seq:     e.Seq,
		Reason:  e.Reason,
		Added:   e.SetsumAdded(),
		Removed: e.SetsumRemoved(),
	})
	return nil
}

// Log is the append-only manifest. A single Log owns the live file and the
// CURRENT pointer; appends are serialized by its mutex, which is the
// engine's manifest-append synchronization point.
type Log struct {
	root   string
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	dirtyEdits int
	state      *State
	nextSeq    uint64
	closed     bool
}

// Open replays (or initializes) the manifest under root and returns the
// log together with the recovered state. A torn final frame is discarded
// and the file truncated at the last intact record.
func Open(root string, opts Options) (*Log, *State, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create manifest dir: %w", err)
	}

	l := &Log{
		root:   root,
		opts:   opts,
		logger: logger,
		state:  newState(),
	}

	currentPath := filepath.Join(root, CurrentFileName)
	nameBytes, err := os.ReadFile(currentPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := l.createFreshLog(); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, fmt.Errorf("read %s: %w", currentPath, err)
	default:
		name := strings.TrimSpace(string(nameBytes))
		if err := l.recover(filepath.Join(dir, name)); err != nil {
			return nil, nil, err
		}
	}
	l.nextSeq = l.state.LastSeq + 1
	return l, l.stateCopy(), nil
}

func newLogName() string {
	return uuid.NewString() + logSuffix
}

func (l *Log) createFreshLog() error {
	dir := filepath.Join(l.root, DirName)
	name := newLogName()
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create manifest log %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync manifest log %s: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		file.Close()
		return err
	}
	if err := l.swapCurrent(name); err != nil {
		file.Close()
		return err
	}
	l.file = file
	l.path = path
	l.size = 0
	l.logger.Info("initialized fresh manifest", "path", path)
	return nil
}

// recover replays the log at path, truncating at the first torn frame.
func (l *Log) recover(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest log %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat manifest log %s: %w", path, err)
	}
	fileSize := info.Size()

	var offset int64
	var header [frameHeaderLen]byte
	for {
		if offset+frameHeaderLen > fileSize {
			break
		}
		if _, err := file.ReadAt(header[:], offset); err != nil {
			file.Close()
			return fmt.Errorf("read manifest frame header at %d: %w", offset, err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		storedCRC := binary.LittleEndian.Uint32(header[4:8])
		if length == 0 {
			break
		}
		if offset+frameHeaderLen+int64(length) > fileSize {
			break
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(io.NewSectionReader(file, offset+frameHeaderLen, int64(length)), body); err != nil {
			file.Close()
			return fmt.Errorf("read manifest frame body at %d: %w", offset, err)
		}
		if crc32.Checksum(body, castagnoli) != storedCRC {
			break
		}
		edit, err := DecodeEdit(body)
		if err != nil {
			file.Close()
			return fmt.Errorf("decode manifest edit at %d: %w", offset, err)
		}
		if !edit.Balanced() {
			file.Close()
			return fmt.Errorf("manifest edit %d at offset %d: %w", edit.Seq, offset, core.ErrUnbalancedEdit)
		}
		if err := l.state.apply(edit); err != nil {
			file.Close()
			return err
		}
		offset += frameHeaderLen + int64(length)
	}

	if offset < fileSize {
		l.logger.Warn("truncating torn manifest tail",
			"path", path, "valid_bytes", offset, "file_bytes", fileSize)
		if err := file.Truncate(offset); err != nil {
			file.Close()
			return fmt.Errorf("truncate manifest log %s: %w", path, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("sync truncated manifest log %s: %w", path, err)
		}
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("seek manifest log %s: %w", path, err)
	}
	l.file = file
	l.path = path
	l.size = offset
	return nil
}

// NextSeq returns the sequence number the next appended edit will get.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Append assigns the edit its sequence number, frames it, writes it, and
// fsyncs. The edit is durable when Append returns. A rollover may follow
// the append when the log has grown past its limits.
func (l *Log) Append(e *Edit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrClosed
	}
	if !e.Balanced() {
		return fmt.Errorf("refusing to append edit (%s, %d added, %d removed): %w",
			e.Reason, len(e.Added), len(e.Removed), core.ErrUnbalancedEdit)
	}
	e.Seq = l.nextSeq

	if err := l.appendLocked(e); err != nil {
		return err
	}
	l.nextSeq++
	if err := l.state.apply(e); err != nil {
		return err
	}
	l.dirtyEdits++

	if l.size > l.opts.MaxBytes || (l.opts.DirtyEdits > 0 && l.dirtyEdits > l.opts.DirtyEdits) {
		if err := l.rolloverLocked(); err != nil {
			return fmt.Errorf("manifest rollover: %w", err)
		}
	}
	return nil
}

func (l *Log) appendLocked(e *Edit) error {
	body := e.Encode()
	frame := make([]byte, 0, frameHeaderLen+len(body))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body)))
	frame = binary.LittleEndian.AppendUint32(frame, crc32.Checksum(body, castagnoli))
	frame = append(frame, body...)
	if _, err := l.file.Write(frame); err != nil {
		return fmt.Errorf("append manifest edit: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	l.size += int64(len(frame))
	return nil
}

// rolloverLocked writes a new log containing one synthesized added-only
// edit of the live file set, swaps CURRENT, and unlinks the old log.
func (l *Log) rolloverLocked() error {
	dir := filepath.Join(l.root, DirName)
	name := newLogName()
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create manifest log %s: %w", path, err)
	}

	snapshot := &Edit{
		Seq:    l.nextSeq,
		Reason: ReasonRollover,
		Added:  l.liveSorted(),
	}
	body := snapshot.Encode()
	frame := make([]byte, 0, frameHeaderLen+len(body))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body)))
	frame = binary.LittleEndian.AppendUint32(frame, crc32.Checksum(body, castagnoli))
	frame = append(frame, body...)
	if _, err := file.Write(frame); err != nil {
		file.Close()
		return fmt.Errorf("write rollover edit: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync rollover log: %w", err)
	}
	if err := syncDir(dir); err != nil {
		file.Close()
		return err
	}
	if err := l.swapCurrent(name); err != nil {
		file.Close()
		return err
	}

	oldPath := l.path
	oldFile := l.file
	l.file = file
	l.path = path
	l.size = int64(len(frame))
	l.dirtyEdits = 0
	l.nextSeq++
	l.state.LastSeq = snapshot.Seq
	l.state.Records = append(l.state.Records, LedgerRecord{
		Seq:    snapshot.Seq,
		Reason: ReasonRollover,
		Added:  snapshot.SetsumAdded(),
	})

	oldFile.Close()
	if err := os.Remove(oldPath); err != nil {
		l.logger.Warn("failed to unlink rolled-over manifest", "path", oldPath, "error", err)
	}
	l.logger.Info("rolled over manifest",
		"old", filepath.Base(oldPath), "new", name, "live_files", len(l.state.Live))
	return nil
}

// swapCurrent atomically repoints CURRENT at the named log.
func (l *Log) swapCurrent(name string) error {
	currentPath := filepath.Join(l.root, CurrentFileName)
	tmpPath := currentPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		return fmt.Errorf("swap %s: %w", currentPath, err)
	}
	return syncDir(l.root)
}

func (l *Log) liveSorted() []FileRef {
	refs := make([]FileRef, 0, len(l.state.Live))
	for _, f := range l.state.Live {
		refs = append(refs, f)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Level != refs[j].Level {
			return refs[i].Level < refs[j].Level
		}
		return refs[i].ID.String() < refs[j].ID.String()
	})
	return refs
}

func (l *Log) stateCopy() *State {
	out := newState()
	for id, f := range l.state.Live {
		out.Live[id] = f
	}
	out.Global = l.state.Global
	out.LastSeq = l.state.LastSeq
	out.Records = append(out.Records, l.state.Records...)
	return out
}

// State returns a copy of the replayed state, including the ledger view
// the verifier reads.
func (l *Log) State() *State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateCopy()
}

// Global returns the current global setsum.
func (l *Log) Global() setsum.Setsum {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Global
}

// Path returns the live log's file path.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Close syncs and closes the live log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync manifest on close: %w", err)
	}
	return l.file.Close()
}

// syncDir fsyncs a directory so renames and creations in it are durable.
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
