package engine

import (
	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/levels"
	"github.com/INLOpen/trigon/manifest"
)

// applyRequest asks the manifest writer to commit one edit. added carries
// the already-opened readers for the edit's added files; reply receives
// the outcome.
type applyRequest struct {
	edit  *manifest.Edit
	added []*levels.Table
	reply chan error
}

// apply routes an edit through the manifest-writer goroutine and waits for
// it to commit.
func (t *Tree) apply(edit *manifest.Edit, added []*levels.Table) error {
	req := applyRequest{edit: edit, added: added, reply: make(chan error, 1)}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrClosed
	}
	t.applyCh <- req
	t.mu.Unlock()
	return <-req.reply
}

// manifestWriter is the single goroutine that owns tree mutation: it
// serializes edits, makes each durable in the manifest log, applies it to
// the level manager, and moves removed files into trash. Ingestion and
// compaction commits interleave here and nowhere else.
func (t *Tree) manifestWriter() {
	defer t.applyWG.Done()
	for req := range t.applyCh {
		req.reply <- t.commit(req.edit, req.added)
	}
}

func (t *Tree) commit(edit *manifest.Edit, added []*levels.Table) error {
	if err := t.log.Append(edit); err != nil {
		return err
	}
	// The edit is durable; the in-memory tree must follow. A failure here
	// means the process state diverged from disk and nothing sane can
	// continue.
	if err := t.mgr.ApplyEdit(edit, added); err != nil {
		t.logger.Error("durable edit failed to apply in memory", "seq", edit.Seq, "error", err)
		return err
	}
	for i := range edit.Removed {
		ref := &edit.Removed[i]
		if err := t.trash.remove(ref.ID, t.dataPath(ref.ID), ref.Setsum, edit.Seq); err != nil {
			t.logger.Error("failed to move removed sstable to trash", "id", ref.ID, "error", err)
			return err
		}
	}
	t.logger.Debug("committed edit",
		"seq", edit.Seq,
		"reason", edit.Reason.String(),
		"added", len(edit.Added),
		"removed", len(edit.Removed))
	return nil
}
