// Package queue implements the bounded candidate priority queues used by
// graph construction and search.
package queue

// Item is a (slot, distance) pair. Value-based storage keeps the heap free of
// pointer indirection and per-push allocations.
type Item struct {
	Slot     uint32
	Distance float32
}

// Queue is a binary heap of Items, ordered by Distance. A max-queue keeps the
// worst candidate at the top (used for the bounded result set); a min-queue
// keeps the best candidate at the top (used for the expansion frontier).
type Queue struct {
	max   bool
	items []Item
}

// NewMin creates a min-queue with the given capacity hint.
func NewMin(capacity int) *Queue {
	return &Queue{max: false, items: make([]Item, 0, capacity)}
}

// NewMax creates a max-queue with the given capacity hint.
func NewMax(capacity int) *Queue {
	return &Queue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Reset clears the queue for reuse.
func (q *Queue) Reset() { q.items = q.items[:0] }

// Top returns the top element without removing it.
func (q *Queue) Top() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (q *Queue) Push(item Item) {
	q.items = append(q.items, item)
	q.siftUp(len(q.items) - 1)
}

// Pop removes and returns the top element.
func (q *Queue) Pop() (Item, bool) {
	n := len(q.items)
	if n == 0 {
		return Item{}, false
	}
	root := q.items[0]
	last := q.items[n-1]
	q.items = q.items[:n-1]
	if n-1 > 0 {
		q.items[0] = last
		q.siftDown(0)
	}
	return root, true
}

// Min returns the item with the smallest distance currently queued. For
// min-queues this is the top element; for max-queues it scans the backing
// slice.
func (q *Queue) Min() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	if !q.max {
		return q.items[0], true
	}
	best := q.items[0]
	for _, it := range q.items[1:] {
		if it.Distance < best.Distance {
			best = it
		}
	}
	return best, true
}

func (q *Queue) less(i, j int) bool {
	if q.max {
		return q.items[i].Distance > q.items[j].Distance
	}
	return q.items[i].Distance < q.items[j].Distance
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
