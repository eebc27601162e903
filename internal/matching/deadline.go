package matching

import (
	"container/heap"
	"time"
)

// deadlineEntry is a slot in a deadlineQueue. index is maintained by the
// heap so that entries can be removed when they are taken before expiry.
type deadlineEntry struct {
	key      AuctionKey
	deadline time.Time
	seq      uint64
	index    int
}

// deadlineQueue is a min-heap ordered by deadline, then insertion order
type deadlineQueue []*deadlineEntry

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x interface{}) {
	e := x.(*deadlineEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// deadlineIndex wraps the heap with the operations the tables need
type deadlineIndex struct {
	queue deadlineQueue
	seq   uint64
}

func (d *deadlineIndex) add(key AuctionKey, deadline time.Time) *deadlineEntry {
	d.seq++
	e := &deadlineEntry{key: key, deadline: deadline, seq: d.seq}
	heap.Push(&d.queue, e)
	return e
}

func (d *deadlineIndex) remove(e *deadlineEntry) {
	if e == nil || e.index < 0 {
		return
	}
	heap.Remove(&d.queue, e.index)
}

// popExpired removes and returns the oldest entry if its deadline is <= now
func (d *deadlineIndex) popExpired(now time.Time) (*deadlineEntry, bool) {
	if len(d.queue) == 0 {
		return nil, false
	}
	if d.queue[0].deadline.After(now) {
		return nil, false
	}
	return heap.Pop(&d.queue).(*deadlineEntry), true
}

func (d *deadlineIndex) len() int { return len(d.queue) }
