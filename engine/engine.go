// Package engine ties the storage core together: it owns the manifest, the
// level manager, ingestion, the triangular compaction planner and executor,
// and the trash area an external verifier drains. All tree mutations flow
// through a single manifest-writer goroutine; readers work off immutable,
// refcounted snapshots.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/iterator"
	"github.com/INLOpen/trigon/levels"
	"github.com/INLOpen/trigon/manifest"
	"github.com/INLOpen/trigon/sstable"
)

const (
	dataDirName  = "data"
	trashDirName = "trash"
	lockFileName = "LOCK"
	sstSuffix    = ".sst"
)

// Tree is an open engine instance.
type Tree struct {
	opts   core.Options
	logger *slog.Logger

	log   *manifest.Log
	mgr   *levels.Manager
	trash *trash

	applyCh chan applyRequest
	applyWG sync.WaitGroup

	bg       *errgroup.Group
	bgCancel context.CancelFunc
	kick     chan struct{}

	planMu  sync.Mutex
	ongoing []*plan

	compactionBytes atomic.Int64

	mu     sync.Mutex
	closed bool
}

// CompactionBytes returns the total bytes written by compactions and
// splits over the tree's lifetime in this process.
func (t *Tree) CompactionBytes() int64 {
	return t.compactionBytes.Load()
}

// Open recovers (or initializes) the tree rooted at opts.Dir: replays the
// manifest, opens every live table, sweeps orphaned files into trash, and
// starts the manifest writer and optional background compaction.
func Open(opts core.Options) (*Tree, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.GetLogger()
	for _, dir := range []string{opts.Dir, filepath.Join(opts.Dir, dataDirName), filepath.Join(opts.Dir, trashDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := acquireLock(opts.Dir); err != nil {
		return nil, err
	}

	log, state, err := manifest.Open(opts.Dir, manifest.Options{
		MaxBytes:   opts.MaxManifestBytes,
		DirtyEdits: opts.ManifestDirtyEdits,
		Logger:     logger,
	})
	if err != nil {
		releaseLock(opts.Dir)
		return nil, err
	}

	t := &Tree{
		opts:    opts,
		logger:  logger,
		log:     log,
		applyCh: make(chan applyRequest),
		kick:    make(chan struct{}, 1),
	}
	t.trash = newTrash(opts.Dir, logger)

	t.mgr, err = levels.Open(&t.opts, state, t.dataPath)
	if err != nil {
		log.Close()
		releaseLock(opts.Dir)
		return nil, err
	}

	if err := t.trash.recover(); err != nil {
		t.shutdownOnOpenFailure()
		return nil, err
	}
	if err := t.sweepOrphans(state); err != nil {
		t.shutdownOnOpenFailure()
		return nil, err
	}

	t.applyWG.Add(1)
	go t.manifestWriter()

	if opts.BackgroundCompaction {
		ctx, cancel := context.WithCancel(context.Background())
		t.bgCancel = cancel
		t.bg, ctx = errgroup.WithContext(ctx)
		t.bg.Go(func() error { return t.compactionLoop(ctx) })
	}

	logger.Info("opened tree",
		"dir", opts.Dir,
		"live_tables", len(state.Live),
		"last_seq", state.LastSeq,
		"global_setsum", state.Global.Hexdigest())
	return t, nil
}

func (t *Tree) shutdownOnOpenFailure() {
	t.mgr.Close()
	t.log.Close()
	releaseLock(t.opts.Dir)
}

func (t *Tree) dataPath(id core.FileID) string {
	return filepath.Join(t.opts.Dir, dataDirName, id.String()+sstSuffix)
}

// sweepOrphans moves data-directory files that the manifest does not
// reference into trash, unreferenced. Leftover temp files from aborted
// writers are removed outright.
func (t *Tree) sweepOrphans(state *manifest.State) error {
	dataDir := filepath.Join(t.opts.Dir, dataDirName)
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return fmt.Errorf("list data dir: %w", err)
	}
	for _, ent := range entries {
		name := ent.Name()
		path := filepath.Join(dataDir, name)
		if filepath.Ext(name) == ".tmp" {
			t.logger.Warn("removing abandoned temp file", "path", path)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			continue
		}
		if filepath.Ext(name) != sstSuffix {
			continue
		}
		id, err := core.ParseFileID(name[:len(name)-len(sstSuffix)])
		if err != nil {
			t.logger.Warn("ignoring unparseable file in data dir", "name", name)
			continue
		}
		if _, live := state.Live[id]; live {
			continue
		}
		t.logger.Warn("sweeping orphaned sstable to trash", "id", id)
		if err := t.trash.discardOrphan(id, path); err != nil {
			return err
		}
	}
	return nil
}

// Ingest moves an externally built SSTable into the tree at level 0. The
// file is renamed into the data directory under a fresh id and becomes
// visible once its manifest edit commits. Level-0 saturation returns
// core.ErrBackpressureFull and leaves the input file untouched.
func (t *Tree) Ingest(path string) error {
	if t.isClosed() {
		return core.ErrClosed
	}
	if t.mgr.LevelFileCount(0) >= t.opts.L0StallFiles ||
		t.mgr.LevelBytes(0) >= t.opts.L0StallBytes {
		return fmt.Errorf("level 0 has %d files, %d bytes: %w",
			t.mgr.LevelFileCount(0), t.mgr.LevelBytes(0), core.ErrBackpressureFull)
	}

	id := core.NewFileID()
	dst := t.dataPath(id)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move sstable into data dir: %w", err)
	}
	if err := syncDir(filepath.Dir(dst)); err != nil {
		return err
	}
	reader, err := sstable.Open(dst, sstable.ReaderOptions{
		ID:     id,
		Logger: t.logger,
		Tracer: t.opts.Tracer,
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	table := &levels.Table{Reader: reader, Level: 0}

	edit := &manifest.Edit{
		Reason: manifest.ReasonIngest,
		Added:  []manifest.FileRef{table.Ref()},
	}
	if err := t.apply(edit, []*levels.Table{table}); err != nil {
		reader.Close()
		return err
	}
	t.logger.Info("ingested sstable",
		"id", id,
		"entries", reader.Metadata().EntryCount,
		"bytes", reader.Metadata().Size,
		"setsum", reader.Metadata().Setsum.Hexdigest())
	t.kickCompaction()
	return nil
}

// Get returns the value of key visible at snapshotTs, or core.ErrNotFound
// for absent or tombstoned keys.
func (t *Tree) Get(key []byte, snapshotTs uint64) ([]byte, error) {
	if t.isClosed() {
		return nil, core.ErrClosed
	}
	snap := t.mgr.Snapshot(snapshotTs)
	defer snap.Close()

	// Only tables whose range covers the key can matter; the merge keeps
	// version order across them.
	var children []core.Cursor
	for _, tbl := range snap.Tables() {
		if !tbl.KeyRange().Contains(key) {
			continue
		}
		children = append(children, tbl.Reader.NewCursor())
	}
	if len(children) == 0 {
		return nil, core.ErrNotFound
	}
	cur := iterator.NewSnapshot(iterator.NewMerging(children), snapshotTs)
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
	return append([]byte(nil), cur.Value()...), nil
}

// TreeCursor is a snapshot-pinned cursor over the whole keyspace.
type TreeCursor struct {
	*iterator.Snapshot
	snap *levels.Snapshot
}

// Close releases both the cursor chain and the pinned snapshot.
func (c *TreeCursor) Close() error {
	err := c.Snapshot.Close()
	if cerr := c.snap.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// NewCursor returns a cursor over every key visible at snapshotTs.
// Tombstoned keys are suppressed.
func (t *Tree) NewCursor(snapshotTs uint64) (*TreeCursor, error) {
	if t.isClosed() {
		return nil, core.ErrClosed
	}
	snap := t.mgr.Snapshot(snapshotTs)
	var children []core.Cursor
	for _, tbl := range snap.Tables() {
		children = append(children, tbl.Reader.NewCursor())
	}
	return &TreeCursor{
		Snapshot: iterator.NewSnapshot(iterator.NewMerging(children), snapshotTs),
		snap:     snap,
	}, nil
}

// Snapshot pins the current tree state under a timestamp ceiling. The
// caller must Close it.
func (t *Tree) Snapshot(ts uint64) *levels.Snapshot {
	return t.mgr.Snapshot(ts)
}

// Levels exposes the level manager for inspection.
func (t *Tree) Levels() *levels.Manager {
	return t.mgr
}

// Ledger returns the manifest's per-edit setsum accounting, the read-only
// view the verifier consumes.
func (t *Tree) Ledger() []manifest.LedgerRecord {
	return t.log.State().Records
}

func (t *Tree) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops background work, drains the manifest writer, and releases
// every table reference and the directory lock.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.bgCancel != nil {
		t.bgCancel()
		if err := t.bg.Wait(); err != nil && !errors.Is(err, context.Canceled) &&
			!errors.Is(err, core.ErrCancelled) && !errors.Is(err, core.ErrClosed) {
			t.logger.Error("background compaction failed", "error", err)
		}
	}
	close(t.applyCh)
	t.applyWG.Wait()

	var first error
	if err := t.mgr.Close(); err != nil {
		first = err
	}
	if err := t.log.Close(); err != nil && first == nil {
		first = err
	}
	releaseLock(t.opts.Dir)
	t.logger.Info("closed tree", "dir", t.opts.Dir)
	return first
}

// acquireLock takes the single-process directory lock.
func acquireLock(root string) error {
	path := filepath.Join(root, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("directory %s is locked by another process (remove %s if stale)", root, path)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

func releaseLock(root string) {
	os.Remove(filepath.Join(root, lockFileName))
}

// syncDir fsyncs a directory so renames within it are durable.
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
