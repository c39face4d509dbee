package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/trigon/core"
	"github.com/INLOpen/trigon/levels"
)

// plan is one unit of compaction work: a triangle of tables spanning the
// level range [lo, hi], closed under key-range overlap, whose merged output
// lands at hi. A split plan instead rewrites a single straddling table as
// two at a boundary key.
type plan struct {
	lo, hi     int
	keyRange   core.KeyRange
	inputs     []*levels.Table
	inputBytes int64
	movedDown  int64
	score      float64

	// outside holds live tables not in the plan whose range intersects
	// keyRange; empty outside means the plan owns the bottom of its
	// keyspace and may drop tombstone-shadowed history.
	outside []*levels.Table

	// splitKey, when set, turns the plan into a hot-knife split of
	// inputs[0] at this key.
	splitKey []byte
}

// overlaps reports whether two plans touch intersecting key ranges.
func (p *plan) overlaps(other *plan) bool {
	return p.keyRange.Overlaps(other.keyRange)
}

// keyCoveredOutside reports whether any table outside the plan could hold
// the key. Tombstones for such keys must survive the compaction.
func (p *plan) keyCoveredOutside(key []byte) bool {
	for _, t := range p.outside {
		if t.KeyRange().Contains(key) {
			return true
		}
	}
	return false
}

// levelFull reports whether a level is at or past its fill threshold.
// Level 0 is also full when its file count reaches the base file target,
// since its tables overlap and every file costs a read.
func (t *Tree) levelFull(level int) bool {
	if level == 0 && t.mgr.LevelFileCount(0) >= t.opts.BaseLevelFiles {
		return true
	}
	threshold := int64(float64(t.opts.LevelCapacity(level)) * t.opts.FillThreshold)
	return t.mgr.LevelBytes(level) >= threshold
}

// seedRange returns the union key range of a level's tables.
func (t *Tree) seedRange(level int) (core.KeyRange, bool) {
	tables := t.mgr.LevelTables(level)
	if len(tables) == 0 {
		return core.KeyRange{}, false
	}
	r := tables[0].KeyRange()
	for _, tbl := range tables[1:] {
		r = r.Union(tbl.KeyRange())
	}
	return r, true
}

// closure expands a key range to its transitive overlap fixed point across
// the level span and collects every table it covers.
func (t *Tree) closure(lo, hi int, seed core.KeyRange) *plan {
	p := &plan{lo: lo, hi: hi, keyRange: seed}
	seen := map[core.FileID]bool{}
	for {
		grew := false
		for level := lo; level <= hi; level++ {
			for _, tbl := range t.mgr.ListOverlap(p.keyRange, level) {
				if seen[tbl.ID()] {
					continue
				}
				seen[tbl.ID()] = true
				p.inputs = append(p.inputs, tbl)
				before := p.keyRange
				p.keyRange = p.keyRange.Union(tbl.KeyRange())
				if !bytes.Equal(before.Smallest, p.keyRange.Smallest) ||
					!bytes.Equal(before.Largest, p.keyRange.Largest) {
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}
	for _, tbl := range p.inputs {
		p.inputBytes += tbl.Size()
		if tbl.Level < hi {
			p.movedDown += tbl.Size()
		}
	}
	if p.inputBytes > 0 {
		p.score = float64(p.movedDown) / float64(p.inputBytes)
	}
	for level := 0; level < t.mgr.NumLevels(); level++ {
		for _, tbl := range t.mgr.ListOverlap(p.keyRange, level) {
			if !seen[tbl.ID()] {
				p.outside = append(p.outside, tbl)
			}
		}
	}
	return p
}

// better orders candidate plans: higher score first, then fewer input
// bytes, then lower starting level, then smaller starting key.
func better(a, b *plan) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.inputBytes != b.inputBytes {
		return a.inputBytes < b.inputBytes
	}
	if a.lo != b.lo {
		return a.lo < b.lo
	}
	return bytes.Compare(a.keyRange.Smallest, b.keyRange.Smallest) < 0
}

// planTriangle picks the best admissible triangle: a span [lo, hi] whose
// levels lo..hi-1 are all full, expanded to overlap closure, within the
// byte budget, not conflicting with ongoing work. When no admissible span
// fits the budget, a hot-knife split of the largest bottom-level input of
// the first over-budget triangle is planned instead so the next round can
// cut cheaper triangles. Callers hold planMu.
func (t *Tree) planTriangle() *plan {
	numLevels := t.mgr.NumLevels()
	var best *plan
	var splitFallback *plan

	for lo := 0; lo < numLevels-1; lo++ {
		if t.mgr.LevelFileCount(lo) == 0 || !t.levelFull(lo) {
			continue
		}
		seed, ok := t.seedRange(lo)
		if !ok {
			continue
		}
		for hi := lo + 1; hi < numLevels && hi-lo+1 <= t.opts.MaxTriangleHeight; hi++ {
			// Every level strictly inside the triangle must be full too.
			if hi > lo+1 && !t.levelFull(hi-1) {
				break
			}
			p := t.closure(lo, hi, seed)
			if len(p.inputs) == 0 {
				continue
			}
			if t.conflictsOngoing(p) {
				continue
			}
			if p.inputBytes > t.opts.MaxCompactionBytes {
				if sp := t.splitPlan(p); sp != nil && splitFallback == nil && !t.conflictsOngoing(sp) {
					splitFallback = sp
				}
				continue
			}
			if best == nil || better(p, best) {
				best = p
			}
		}
	}

	if best == nil && splitFallback != nil {
		return splitFallback
	}
	if best == nil {
		best = t.mandatoryL0Plan()
	}
	return best
}

// mandatoryL0Plan forces level 0 down when it approaches the ingestion
// stall threshold, even if the usual fullness gates have not tripped.
func (t *Tree) mandatoryL0Plan() *plan {
	if t.mgr.LevelFileCount(0) < t.opts.L0StallFiles/2 ||
		t.mgr.LevelFileCount(0) == 0 {
		return nil
	}
	seed, ok := t.seedRange(0)
	if !ok {
		return nil
	}
	p := t.closure(0, 1, seed)
	if len(p.inputs) == 0 || p.inputBytes > t.opts.MaxCompactionBytes || t.conflictsOngoing(p) {
		return nil
	}
	return p
}

// splitPlan turns an over-budget triangle into a hot-knife split: rewrite
// the largest bottom-level input as two tables at its middle key, so
// boundary costs stay proportional to the level count rather than the
// tree size.
func (t *Tree) splitPlan(p *plan) *plan {
	var victim *levels.Table
	for _, tbl := range p.inputs {
		if tbl.Level != p.hi {
			continue
		}
		if victim == nil || tbl.Size() > victim.Size() {
			victim = tbl
		}
	}
	if victim == nil {
		return nil
	}
	splitKey := middleKey(victim)
	if splitKey == nil {
		return nil
	}
	return &plan{
		lo:         victim.Level,
		hi:         victim.Level,
		keyRange:   victim.KeyRange(),
		inputs:     []*levels.Table{victim},
		inputBytes: victim.Size(),
		splitKey:   splitKey,
	}
}

// middleKey picks a key splitting the table roughly in half, or nil when
// the table spans a single key.
func middleKey(tbl *levels.Table) []byte {
	meta := tbl.Reader.Metadata()
	if bytes.Equal(meta.Smallest, meta.Largest) {
		return nil
	}
	cur := tbl.Reader.NewCursor()
	defer cur.Close()
	var middle []byte
	half := meta.EntryCount / 2
	cur.SeekToFirst()
	for i := uint64(0); i < half && cur.Valid(); i++ {
		cur.Next()
	}
	if cur.Valid() && !bytes.Equal(cur.Key(), meta.Smallest) {
		middle = append([]byte(nil), cur.Key()...)
	}
	if middle == nil {
		return nil
	}
	return middle
}

// conflictsOngoing reports whether the plan's key range intersects any
// in-flight compaction. Callers hold planMu.
func (t *Tree) conflictsOngoing(p *plan) bool {
	for _, o := range t.ongoing {
		if p.overlaps(o) {
			return true
		}
	}
	return false
}

// CompactOnce plans and executes one compaction. It returns false when the
// planner finds nothing to do.
func (t *Tree) CompactOnce(ctx context.Context) (bool, error) {
	t.planMu.Lock()
	p := t.planTriangle()
	if p == nil {
		t.planMu.Unlock()
		return false, nil
	}
	t.ongoing = append(t.ongoing, p)
	t.planMu.Unlock()
	defer t.releasePlan(p)

	if p.splitKey != nil {
		return true, t.executeSplit(ctx, p)
	}
	return true, t.executeCompaction(ctx, p)
}

// CompactRange compacts the closure of the given level span immediately,
// regardless of fullness. Operators and tests drive this directly.
func (t *Tree) CompactRange(ctx context.Context, lo, hi int) error {
	t.planMu.Lock()
	seed, ok := t.seedRange(lo)
	if !ok {
		t.planMu.Unlock()
		return nil
	}
	p := t.closure(lo, hi, seed)
	if len(p.inputs) == 0 {
		t.planMu.Unlock()
		return nil
	}
	if t.conflictsOngoing(p) {
		t.planMu.Unlock()
		return fmt.Errorf("level span [%d, %d] conflicts with an ongoing compaction", lo, hi)
	}
	t.ongoing = append(t.ongoing, p)
	t.planMu.Unlock()
	defer t.releasePlan(p)
	return t.executeCompaction(ctx, p)
}

func (t *Tree) releasePlan(p *plan) {
	t.planMu.Lock()
	defer t.planMu.Unlock()
	for i, o := range t.ongoing {
		if o == p {
			t.ongoing = append(t.ongoing[:i], t.ongoing[i+1:]...)
			return
		}
	}
}

// kickCompaction nudges the background loop without blocking.
func (t *Tree) kickCompaction() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// compactionLoop runs planner-driven compactions until the context ends.
func (t *Tree) compactionLoop(ctx context.Context) error {
	timer := time.NewTicker(10 * time.Second)
	defer timer.Stop()
	for {
		for {
			worked, err := t.CompactOnce(ctx)
			if err != nil {
				return err
			}
			if !worked {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.kick:
		case <-timer.C:
		}
	}
}
