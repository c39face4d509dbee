package engine

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/iterator"
	"github.com/INLOpen/trigon/levels"
	"github.com/INLOpen/trigon/manifest"
	"github.com/INLOpen/trigon/setsum"
	"github.com/INLOpen/trigon/sstable"
)

// outputTable is one sealed compaction output awaiting the manifest edit.
type outputTable struct {
	id     core.FileID
	writer *sstable.Writer
}

// executeCompaction merges the plan's inputs and installs the outputs at
// the plan's bottom level through one balanced manifest edit.
func (t *Tree) executeCompaction(ctx context.Context, p *plan) (err error) {
	inputs := append([]*levels.Table(nil), p.inputs...)
	// Newer sources first: lower level wins ties, then recency within the
	// level.
	sort.SliceStable(inputs, func(i, j int) bool {
		if inputs[i].Level != inputs[j].Level {
			return inputs[i].Level < inputs[j].Level
		}
		return inputs[i].Reader.Metadata().MaxTs > inputs[j].Reader.Metadata().MaxTs
	})

	for _, in := range inputs {
		in.Reader.Ref()
	}
	defer func() {
		for _, in := range inputs {
			in.Reader.Unref()
		}
	}()

	var children []core.Cursor
	for _, in := range inputs {
		children = append(children, in.Reader.NewCursor())
	}
	merge := iterator.NewMerging(children)
	defer merge.Close()

	var (
		outputs     []*outputTable
		cur         *sstable.Writer
		curID       core.FileID
		dropped     setsum.Setsum
		droppedAny  bool
		droppingKey []byte
		lastKey     []byte
		sealPending bool
		entries     uint64
	)

	discardAll := func() {
		if cur != nil {
			cur.Abort()
			cur = nil
		}
		for _, out := range outputs {
			if err := t.trash.discardOrphan(out.id, t.dataPath(out.id)); err != nil {
				t.logger.Error("failed to trash discarded compaction output", "id", out.id, "error", err)
			}
		}
	}

	sealCurrent := func() error {
		if cur == nil {
			return nil
		}
		if err := cur.FinishContext(ctx); err != nil {
			return err
		}
		t.compactionBytes.Add(cur.EstimatedSize())
		outputs = append(outputs, &outputTable{id: curID, writer: cur})
		cur = nil
		sealPending = false
		return nil
	}

	for merge.SeekToFirst(); merge.Valid(); merge.Next() {
		if ctx.Err() != nil {
			discardAll()
			return fmt.Errorf("compaction of levels [%d, %d]: %w", p.lo, p.hi, core.ErrCancelled)
		}
		e := &core.Entry{
			Key: append([]byte(nil), merge.Key()...),
			Ts:  merge.Ts(),
		}
		if merge.IsTombstone() {
			e.Type = core.EntryTypeTombstone
		} else {
			e.Value = append([]byte(nil), merge.Value()...)
		}

		// A tombstone at the bottom of its keyspace shadows everything
		// older for its key inside the plan; the whole shadowed suffix is
		// dropped and accounted in the dropped-setsum accumulator.
		if droppingKey != nil && bytes.Equal(e.Key, droppingKey) {
			dropped.InsertEntry(e)
			droppedAny = true
			continue
		}
		droppingKey = nil
		if e.IsTombstone() && !p.keyCoveredOutside(e.Key) {
			dropped.InsertEntry(e)
			droppedAny = true
			droppingKey = append([]byte(nil), e.Key...)
			continue
		}

		// Seal at the target size, but never split one key's timestamp
		// group across outputs.
		if cur != nil && sealPending && !bytes.Equal(e.Key, lastKey) {
			if err := sealCurrent(); err != nil {
				discardAll()
				return err
			}
		}
		if cur == nil {
			curID = core.NewFileID()
			w, err := sstable.NewWriter(sstable.WriterOptions{
				Path:            t.dataPath(curID),
				BlockSize:       t.opts.TargetBlockSize,
				RestartInterval: t.opts.RestartInterval,
				BloomBitsPerKey: t.opts.BloomBitsPerKey,
				Compressor:      t.opts.Compressor,
				Logger:          t.logger,
				Tracer:          t.opts.Tracer,
			})
			if err != nil {
				discardAll()
				return err
			}
			cur = w
		}
		if err := cur.Add(e); err != nil {
			discardAll()
			return err
		}
		entries++
		lastKey = append(lastKey[:0], e.Key...)
		sealPending = cur.EstimatedSize() >= t.opts.TargetFileSize
	}
	if err := merge.Err(); err != nil {
		discardAll()
		return err
	}
	if err := sealCurrent(); err != nil {
		discardAll()
		return err
	}

	// The ledger must balance before anything is committed: outputs plus
	// dropped entries account for every input byte.
	var sumIn, sumOut setsum.Setsum
	for _, in := range inputs {
		sumIn = sumIn.Union(in.Setsum())
	}
	sumOut = dropped
	for _, out := range outputs {
		sumOut = sumOut.Union(out.writer.Setsum())
	}
	if !sumIn.Equal(sumOut) {
		for _, out := range outputs {
			if terr := t.trash.discardOrphan(out.id, t.dataPath(out.id)); terr != nil {
				t.logger.Error("failed to trash mismatched compaction output", "id", out.id, "error", terr)
			}
		}
		return fmt.Errorf("inputs sum to %s, outputs plus dropped to %s: %w",
			sumIn.Hexdigest(), sumOut.Hexdigest(), core.ErrCompactionSetsumMismatch)
	}

	edit := &manifest.Edit{Reason: manifest.ReasonCompact, Dropped: dropped}
	var added []*levels.Table
	for _, out := range outputs {
		reader, err := sstable.Open(t.dataPath(out.id), sstable.ReaderOptions{
			ID:     out.id,
			Logger: t.logger,
			Tracer: t.opts.Tracer,
		})
		if err != nil {
			for _, a := range added {
				a.Reader.Close()
			}
			return fmt.Errorf("reopen compaction output %s: %w", out.id, err)
		}
		tbl := &levels.Table{Reader: reader, Level: p.hi}
		added = append(added, tbl)
		edit.Added = append(edit.Added, tbl.Ref())
	}
	for _, in := range inputs {
		edit.Removed = append(edit.Removed, in.Ref())
	}

	if err := t.apply(edit, added); err != nil {
		for _, a := range added {
			a.Reader.Close()
		}
		return err
	}
	t.logger.Info("compacted triangle",
		"levels", fmt.Sprintf("[%d,%d]", p.lo, p.hi),
		"inputs", len(inputs),
		"outputs", len(outputs),
		"entries", entries,
		"input_bytes", p.inputBytes,
		"dropped", droppedAny)
	return nil
}

// executeSplit rewrites one straddling table as two halves at the plan's
// split key, recorded as a split edit. Contents are unchanged, so the edit
// balances by construction.
func (t *Tree) executeSplit(ctx context.Context, p *plan) error {
	victim := p.inputs[0]
	victim.Reader.Ref()
	defer victim.Reader.Unref()

	cur := victim.Reader.NewCursor()
	defer cur.Close()

	newWriter := func(id core.FileID) (*sstable.Writer, error) {
		return sstable.NewWriter(sstable.WriterOptions{
			Path:            t.dataPath(id),
			BlockSize:       t.opts.TargetBlockSize,
			RestartInterval: t.opts.RestartInterval,
			BloomBitsPerKey: t.opts.BloomBitsPerKey,
			Compressor:      t.opts.Compressor,
			Logger:          t.logger,
			Tracer:          t.opts.Tracer,
		})
	}
	leftID, rightID := core.NewFileID(), core.NewFileID()
	left, err := newWriter(leftID)
	if err != nil {
		return err
	}
	right, err := newWriter(rightID)
	if err != nil {
		left.Abort()
		return err
	}

	for cur.SeekToFirst(); cur.Valid(); cur.Next() {
		if ctx.Err() != nil {
			left.Abort()
			right.Abort()
			return fmt.Errorf("split of table %s: %w", victim.ID(), core.ErrCancelled)
		}
		e := &core.Entry{Key: append([]byte(nil), cur.Key()...), Ts: cur.Ts()}
		if cur.IsTombstone() {
			e.Type = core.EntryTypeTombstone
		} else {
			e.Value = append([]byte(nil), cur.Value()...)
		}
		w := left
		if bytes.Compare(e.Key, p.splitKey) >= 0 {
			w = right
		}
		if err := w.Add(e); err != nil {
			left.Abort()
			right.Abort()
			return err
		}
	}
	if err := cur.Err(); err != nil {
		left.Abort()
		right.Abort()
		return err
	}
	if err := left.FinishContext(ctx); err != nil {
		right.Abort()
		return err
	}
	if err := right.FinishContext(ctx); err != nil {
		t.trash.discardOrphan(leftID, t.dataPath(leftID))
		return err
	}
	t.compactionBytes.Add(left.EstimatedSize() + right.EstimatedSize())

	edit := &manifest.Edit{Reason: manifest.ReasonSplit, Removed: []manifest.FileRef{victim.Ref()}}
	var added []*levels.Table
	for _, id := range []core.FileID{leftID, rightID} {
		reader, err := sstable.Open(t.dataPath(id), sstable.ReaderOptions{ID: id, Logger: t.logger, Tracer: t.opts.Tracer})
		if err != nil {
			for _, a := range added {
				a.Reader.Close()
			}
			return fmt.Errorf("reopen split output %s: %w", id, err)
		}
		tbl := &levels.Table{Reader: reader, Level: victim.Level}
		added = append(added, tbl)
		edit.Added = append(edit.Added, tbl.Ref())
	}
	if err := t.apply(edit, added); err != nil {
		for _, a := range added {
			a.Reader.Close()
		}
		return err
	}
	t.logger.Info("split straddling table",
		"victim", victim.ID(),
		"at", fmt.Sprintf("%q", p.splitKey),
		"left", leftID,
		"right", rightID)
	return nil
}
