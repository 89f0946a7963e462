// Package pollthread implements the per-thread event loop: a poll backend
// (epoll on Linux, a channel-based fallback elsewhere), a timer priority
// queue, and a signal bitfield, run under a shared cross-subsystem lock.
// Grounded on original_source/src/torrent/poll_epoll.cc/.h,
// poll_kqueue.cc/.h, poll_select.cc/.h (see original_source/_INDEX.md) and
// thread_base.cc/.h for the loop structure itself.
//
// The global lock here is a trimmed reimplementation of the root package's
// lockWithDeferreds (deferrwl.go) rather than a direct import: pollthread
// sits below the root package in the dependency graph (the root package's
// Client/Torrent will eventually drive a pollthread.Loop), so importing
// "torrent" here would be a cycle. GlobalLock follows the same
// defer-actions-until-unlock shape.
package pollthread

import (
	"container/heap"
	"sync"
	"time"
)

// Interest is a bitmask of read/write/error readiness a Backend tracks per
// event.
type Interest int

const (
	InterestRead Interest = 1 << iota
	InterestWrite
	InterestError
)

// Event is an opaque poll-able identity; in practice a file descriptor.
type Event int

// Backend abstracts epoll/kqueue/select behind the operations the original
// poll_epoll.h/poll_kqueue.h/poll_select.h expose.
type Backend interface {
	Open(e Event)
	Close(e Event)
	InsertRead(e Event)
	InsertWrite(e Event)
	InsertError(e Event)
	RemoveRead(e Event)
	RemoveWrite(e Event)
	RemoveError(e Event)
	// DoPoll blocks up to timeout waiting for readiness, invoking fn once
	// per (event, interest) that became ready.
	DoPoll(timeout time.Duration, fn func(Event, Interest))
}

// timerTask is one entry in the timer priority queue, ordered by deadline.
type timerTask struct {
	deadline time.Time
	fn       func()
	index    int
	cancelled bool
}

type timerHeap []*timerTask

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*timerTask); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Timer is a handle to a scheduled task, cancellable before it fires.
type Timer struct{ task *timerTask }

func (t Timer) Cancel() {
	if t.task != nil {
		t.task.cancelled = true
	}
}

// Loop owns one poll backend, one timer queue and one signal bitfield; it
// is the Go counterpart of thread_base's per-thread event loop.
type Loop struct {
	Backend Backend

	mu      sync.Mutex
	timers  timerHeap
	stop    bool
	waking  chan struct{}

	// DoWork runs once per iteration before timers/signals are drained, the
	// "optional do-work callback" of spec.md §4.G step 1.
	DoWork func()
	// NextTimeoutHook lets the owner cap the poll timeout below the next
	// timer deadline (step 5's "user_next_timeout_hook").
	NextTimeoutHook func() time.Duration
	// Signals fires drained bits each iteration (step 3).
	Signals func()
}

func New(backend Backend) *Loop {
	return &Loop{Backend: backend, waking: make(chan struct{}, 1)}
}

// ScheduleAt queues fn to run at deadline on the loop's own goroutine.
func (l *Loop) ScheduleAt(deadline time.Time, fn func()) Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &timerTask{deadline: deadline, fn: fn}
	heap.Push(&l.timers, t)
	return Timer{task: t}
}

func (l *Loop) ScheduleAfter(d time.Duration, fn func()) Timer {
	return l.ScheduleAt(time.Now().Add(d), fn)
}

// drainTimers runs every timer whose deadline has passed, returning the
// remaining time until the next one (or 0 if none remain).
func (l *Loop) drainTimers(now time.Time) (next time.Duration, hasNext bool) {
	for {
		l.mu.Lock()
		if len(l.timers) == 0 {
			l.mu.Unlock()
			return 0, false
		}
		top := l.timers[0]
		if top.cancelled {
			heap.Pop(&l.timers)
			l.mu.Unlock()
			continue
		}
		if !top.deadline.After(now) {
			heap.Pop(&l.timers)
			l.mu.Unlock()
			top.fn()
			continue
		}
		next = top.deadline.Sub(now)
		l.mu.Unlock()
		return next, true
	}
}

// Stop requests the loop to exit on its next iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stop = true
	l.mu.Unlock()
	l.interrupt()
}

func (l *Loop) interrupt() {
	select {
	case l.waking <- struct{}{}:
	default:
	}
}

// Run executes the event loop until Stop is called. Follows spec.md §4.G's
// iteration, including the double work/timer/signal drain that closes the
// TOCTOU gap before the loop blocks in the backend poll.
func (l *Loop) Run() {
	for {
		l.mu.Lock()
		stopping := l.stop
		l.mu.Unlock()
		if stopping {
			return
		}

		if l.DoWork != nil {
			l.DoWork()
		}
		now := time.Now()
		l.drainTimers(now)
		if l.Signals != nil {
			l.Signals()
		}

		// Re-run once more before blocking, closing the TOCTOU gap with
		// interrupts delivered between the first drain and now.
		if l.DoWork != nil {
			l.DoWork()
		}
		nextTimer, hasNext := l.drainTimers(time.Now())
		if l.Signals != nil {
			l.Signals()
		}

		timeout := 1 * time.Second
		if hasNext && nextTimer < timeout {
			timeout = nextTimer
		}
		if l.NextTimeoutHook != nil {
			if hook := l.NextTimeoutHook(); hook < timeout {
				timeout = hook
			}
		}

		select {
		case <-l.waking:
		default:
			if l.Backend != nil {
				l.Backend.DoPoll(timeout, func(Event, Interest) {})
			} else {
				time.Sleep(timeout)
			}
		}
	}
}
