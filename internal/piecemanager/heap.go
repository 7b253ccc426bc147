package piecemanager

import "container/heap"

// availabilityEntry is one snapshot of a piece's peer count as tracked by
// the availability queue. version lets the queue detect and discard
// stale entries without the O(n) arbitrary-element removal a Go
// container/heap doesn't give for free (unlike the BTreeSet this is
// grounded on, which supports direct removal of a known key).
type availabilityEntry struct {
	count   uint32
	index   uint32
	version uint64
}

// less orders ascending by count, then ascending by index — the same
// tie-break the BTreeSet<(u32, PieceIndex)> ordering gives for free,
// since Rust's tuple Ord compares (count, index) lexicographically.
func less(a, b availabilityEntry) bool {
	if a.count != b.count {
		return a.count < b.count
	}
	return a.index < b.index
}

type availabilityHeap struct {
	items []availabilityEntry
}

func (h availabilityHeap) Len() int            { return len(h.items) }
func (h availabilityHeap) Less(i, j int) bool  { return less(h.items[i], h.items[j]) }
func (h availabilityHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *availabilityHeap) Push(x any)         { h.items = append(h.items, x.(availabilityEntry)) }
func (h *availabilityHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// availabilityQueue wraps availabilityHeap with lazy deletion: pushing a
// new count for a piece doesn't remove the piece's old heap entry in
// place, it just bumps the piece's version so the old entry is
// recognized as stale and skipped whenever it surfaces at the top.
type availabilityQueue struct {
	h        availabilityHeap
	versions map[uint32]uint64
}

func newAvailabilityQueue() *availabilityQueue {
	q := &availabilityQueue{versions: make(map[uint32]uint64)}
	heap.Init(&q.h)
	return q
}

// set records index's new peer count, invalidating any prior entry for
// index.
func (q *availabilityQueue) set(index uint32, count uint32) {
	q.versions[index]++
	heap.Push(&q.h, availabilityEntry{count: count, index: index, version: q.versions[index]})
}

// remove invalidates index's entry without inserting a replacement.
func (q *availabilityQueue) remove(index uint32) {
	q.versions[index]++
}

func (q *availabilityQueue) isStale(e availabilityEntry) bool {
	return q.versions[e.index] != e.version
}

// peekRarestAvailable returns the lowest (count, index) entry whose
// count is > 0 and which satisfies skip(index) == false, without
// removing it from the queue. Stale and zero-count entries encountered
// along the way are permanently discarded; skipped ones are reinserted
// with their original version so a later call can still find them.
func (q *availabilityQueue) peekRarestAvailable(skip func(index uint32) bool) (availabilityEntry, bool) {
	var held []availabilityEntry
	defer func() {
		for _, e := range held {
			heap.Push(&q.h, e)
		}
	}()

	for q.h.Len() > 0 {
		e := q.h.items[0]
		if q.isStale(e) {
			heap.Pop(&q.h)
			continue
		}
		if e.count == 0 {
			heap.Pop(&q.h)
			continue
		}
		if skip(e.index) {
			heap.Pop(&q.h)
			held = append(held, e)
			continue
		}
		return e, true
	}
	return availabilityEntry{}, false
}
