package engine

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/setsum"
	"github.com/INLOpen/trigon/sstable"
)

// TrashEntry describes one removed-but-not-yet-unlinked SSTable. Referenced
// entries were removed by a manifest edit and participate in the verifier's
// ledger check; unreferenced ones are aborted or orphaned outputs that
// never entered the tree.
type TrashEntry struct {
	ID         core.FileID
	Setsum     setsum.Setsum
	RemovedSeq uint64
	Referenced bool
}

// trash owns the trash directory. Nothing here unlinks on its own: files
// wait for an external verifier to confirm the ledger balances and call
// UnlinkTrash.
type trash struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[core.FileID]TrashEntry
}

func newTrash(root string, logger *slog.Logger) *trash {
	return &trash{
		dir:     filepath.Join(root, trashDirName),
		logger:  logger,
		entries: make(map[core.FileID]TrashEntry),
	}
}

func (tr *trash) filePath(id core.FileID) string {
	return filepath.Join(tr.dir, id.String()+sstSuffix)
}

func (tr *trash) metaPath(id core.FileID) string {
	return filepath.Join(tr.dir, id.String()+".meta")
}

// remove moves a file removed by the given edit into trash and records its
// accounting sidecar.
func (tr *trash) remove(id core.FileID, fromPath string, sum setsum.Setsum, seq uint64) error {
	return tr.put(id, fromPath, TrashEntry{ID: id, Setsum: sum, RemovedSeq: seq, Referenced: true})
}

// discardOrphan moves a never-referenced file into trash with no ledger
// standing.
func (tr *trash) discardOrphan(id core.FileID, fromPath string) error {
	sum, err := footerSetsum(fromPath)
	if err != nil {
		tr.logger.Warn("orphan has unreadable footer; trashing with zero setsum", "id", id, "error", err)
		sum = setsum.New()
	}
	return tr.put(id, fromPath, TrashEntry{ID: id, Setsum: sum, Referenced: false})
}

func footerSetsum(path string) (setsum.Setsum, error) {
	r, err := sstable.Open(path, sstable.ReaderOptions{})
	if err != nil {
		return setsum.Setsum{}, err
	}
	defer r.Close()
	return r.Metadata().Setsum, nil
}

func (tr *trash) put(id core.FileID, fromPath string, entry TrashEntry) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err := os.Rename(fromPath, tr.filePath(id)); err != nil {
		return fmt.Errorf("move %s to trash: %w", fromPath, err)
	}
	if err := tr.writeMeta(entry); err != nil {
		return err
	}
	tr.entries[id] = entry
	return nil
}

// writeMeta persists the trash record so accounting survives restarts:
//
//	setsum: <hex>
//	removed_seq: <n>
//	referenced: <bool>
func (tr *trash) writeMeta(e TrashEntry) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "setsum: %s\n", e.Setsum.Hexdigest())
	fmt.Fprintf(&sb, "removed_seq: %d\n", e.RemovedSeq)
	fmt.Fprintf(&sb, "referenced: %t\n", e.Referenced)
	path := tr.metaPath(e.ID)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write trash record %s: %w", path, err)
	}
	return nil
}

// recover rebuilds the trash table from the directory and its sidecar
// records.
func (tr *trash) recover() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	dirEntries, err := os.ReadDir(tr.dir)
	if err != nil {
		return fmt.Errorf("list trash dir: %w", err)
	}
	for _, ent := range dirEntries {
		name := ent.Name()
		if filepath.Ext(name) != sstSuffix {
			continue
		}
		id, err := core.ParseFileID(name[:len(name)-len(sstSuffix)])
		if err != nil {
			tr.logger.Warn("ignoring unparseable file in trash", "name", name)
			continue
		}
		entry, err := tr.readMeta(id)
		if err != nil {
			tr.logger.Warn("trash file has no usable record; treating as unreferenced", "id", id, "error", err)
			sum, serr := footerSetsum(tr.filePath(id))
			if serr != nil {
				sum = setsum.New()
			}
			entry = TrashEntry{ID: id, Setsum: sum, Referenced: false}
			if err := tr.writeMeta(entry); err != nil {
				return err
			}
		}
		tr.entries[id] = entry
	}
	return nil
}

func (tr *trash) readMeta(id core.FileID) (TrashEntry, error) {
	entry := TrashEntry{ID: id}
	f, err := os.Open(tr.metaPath(id))
	if err != nil {
		return entry, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		field, value, found := strings.Cut(scanner.Text(), ": ")
		if !found {
			continue
		}
		switch field {
		case "setsum":
			raw, err := hex.DecodeString(value)
			if err != nil || len(raw) != setsum.Bytes {
				return entry, fmt.Errorf("bad setsum in trash record for %s", id)
			}
			var digest [setsum.Bytes]byte
			copy(digest[:], raw)
			if entry.Setsum, err = setsum.Parse(digest); err != nil {
				return entry, err
			}
		case "removed_seq":
			if _, err := fmt.Sscanf(value, "%d", &entry.RemovedSeq); err != nil {
				return entry, fmt.Errorf("bad removed_seq in trash record for %s", id)
			}
		case "referenced":
			entry.Referenced = value == "true"
		}
	}
	return entry, scanner.Err()
}

// ListTrashUpTo returns the referenced trash entries whose removing edit
// committed at or before seq, sorted by seq. The verifier sums their
// setsums against the ledger before unlinking anything.
func (t *Tree) ListTrashUpTo(seq uint64) []TrashEntry {
	t.trash.mu.Lock()
	defer t.trash.mu.Unlock()
	var out []TrashEntry
	for _, e := range t.trash.entries {
		if e.Referenced && e.RemovedSeq <= seq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemovedSeq < out[j].RemovedSeq })
	return out
}

// UnlinkTrash permanently deletes one trash file. Only the verifier calls
// this, after the ledger confirms the entry.
func (t *Tree) UnlinkTrash(id core.FileID) error {
	t.trash.mu.Lock()
	defer t.trash.mu.Unlock()
	if _, ok := t.trash.entries[id]; !ok {
		return fmt.Errorf("file %s is not in trash: %w", id, core.ErrNotFound)
	}
	if err := os.Remove(t.trash.filePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlink trash file %s: %w", id, err)
	}
	if err := os.Remove(t.trash.metaPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlink trash record %s: %w", id, err)
	}
	delete(t.trash.entries, id)
	return nil
}
