// Package hashqueue implements the single-FIFO hash-check queue: pieces are
// pushed in by the main thread and SHA-1'd on one worker goroutine, with
// the result delivered back via a signalled callback. Grounded on
// original_source/src/data/hash_check_queue.cc/.h.
package hashqueue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Handle is the minimal interface hashqueue needs from a chunk handle: a
// hashable byte source. The caller-supplied node identity used for
// cancellation and delivery is passed separately with each push.
type Handle interface {
	Hash() [20]byte
}

// entry is one queued hash-check job.
type entry struct {
	handle Handle
	node   interface{}
}

// Result is delivered to Queue's Deliver callback exactly once per
// successfully dequeued push.
type Result struct {
	Handle Handle
	Node   interface{}
	Hash   [20]byte
}

var (
	hashesComputed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratched_hashqueue_hashes_computed_total",
		Help: "Number of piece hashes computed by the hash-check queue.",
	})
	hashesCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratched_hashqueue_hashes_cancelled_total",
		Help: "Number of queued hash-check entries removed before execution.",
	})
)

func init() {
	prometheus.MustRegister(hashesComputed, hashesCancelled)
}

// Queue is a single mutex-guarded FIFO drained by one worker goroutine.
// Deliver is called with the completed Result; it must arrange its own
// cross-thread handoff back to whatever thread cares (the root package
// wires this through sigbits + pollthread, the way the teacher uses
// chansync for cross-goroutine signaling).
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []entry
	closed  bool
	Deliver func(Result)
}

func New(deliver func(Result)) *Queue {
	q := &Queue{Deliver: deliver}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// PushBack appends an entry. handle must already be validated blocking by
// the caller (spec.md §4.E: "the handle must be valid and blocking").
func (q *Queue) PushBack(handle Handle, node interface{}) {
	q.mu.Lock()
	q.items = append(q.items, entry{handle: handle, node: node})
	q.mu.Unlock()
	q.cond.Signal()
}

// Remove scans the queue and removes entries matching node. An entry
// already dequeued and executing is allowed to complete; Deliver handles
// unknown/already-removed nodes defensively (the queue makes no promise an
// in-flight job can be cancelled).
func (q *Queue) Remove(node interface{}) (removed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, e := range q.items {
		if e.node == node {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.items = kept
	hashesCancelled.Add(float64(removed))
	return
}

// Run drains the queue until Close is called. Intended to run on a
// dedicated disk-thread goroutine; never holds q.mu while hashing.
func (q *Queue) Run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		hash := e.handle.Hash()
		hashesComputed.Inc()
		if q.Deliver != nil {
			q.Deliver(Result{Handle: e.handle, Node: e.node, Hash: hash})
		}
	}
}

// Close stops Run once the queue drains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the number of entries currently queued (not including one
// that may be mid-execution).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
