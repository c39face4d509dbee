// Package iterator provides the k-way merging cursor over any set of
// sorted cursors, and the snapshot view that turns merged entries into
// user-visible reads.
package iterator

import (
	"container/heap"

	"github.com/INLOpen/trigon/core"
)

// source is one child cursor with its tie-break priority. Lower priority
// means a newer source; on equal (key, ts) the lower priority wins.
type source struct {
	cursor   core.Cursor
	priority int
}

// compareForward orders two valid sources by (key ASC, ts DESC,
// priority ASC).
func compareForward(a, b *source) bool {
	c := core.CompareKeyTs(a.cursor.Key(), a.cursor.Ts(), b.cursor.Key(), b.cursor.Ts())
	if c != 0 {
		return c < 0
	}
	return a.priority < b.priority
}

// sourceHeap implements heap.Interface over the valid children. The
// reverse flag flips the comparator so the same heap drives backward
// iteration: the maximum under the forward order is the next entry when
// walking in reverse.
type sourceHeap struct {
	items   []*source
	reverse bool
}

var _ heap.Interface = (*sourceHeap)(nil)

func (h *sourceHeap) Len() int { return len(h.items) }

func (h *sourceHeap) Less(i, j int) bool {
	if h.reverse {
		return compareForward(h.items[j], h.items[i])
	}
	return compareForward(h.items[i], h.items[j])
}

func (h *sourceHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *sourceHeap) Push(x any) {
	h.items = append(h.items, x.(*source))
}

func (h *sourceHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (h *sourceHeap) top() *source {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}
