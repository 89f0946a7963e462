// Package sigbits implements a lock-free 32-slot signal bitfield: a thread
// base registers up to 32 callbacks during setup, then cross-thread signals
// set bits which a single owning-thread call drains and dispatches.
//
// Grounded on spec.md §4.F; the rtorrent original uses a 32-bit word of
// function-pointer slots (thread_base.h's signal_bitfield). sync/atomic is
// the right tool here, not a third-party library: every atomic bitset in the
// retrieval pack (the teacher's atomic-count.go included) reaches for
// sync/atomic directly rather than a CAS-loop library.
package sigbits

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const maxSignals = 32

// Bitfield holds up to 32 slots, each firable from any goroutine via Signal
// and drained in ascending index order by the owner via Work.
type Bitfield struct {
	word  atomic.Uint32
	mu    sync.Mutex // guards slots/next during AddSignal only
	slots [maxSignals]func()
	next  int
}

// AddSignal registers a new slot and returns its index. Must only be called
// by the owner thread during setup, before any Signal/Work calls race with
// it. Registering past 32 signals is a programmer error and panics.
func (b *Bitfield) AddSignal(slot func()) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next >= maxSignals {
		panic(fmt.Sprintf("sigbits: cannot register more than %d signals", maxSignals))
	}
	idx := b.next
	b.slots[idx] = slot
	b.next++
	return idx
}

// Signal atomically sets bit index. Safe from any goroutine. An index
// outside 0..31 is silently ignored; a bit set for an index with no
// registered callback is cleared by Work without calling anything. No
// other check is made, so a bad index never crashes a hot path.
func (b *Bitfield) Signal(index int) {
	if index < 0 || index >= maxSignals {
		return
	}
	b.word.Or(1 << uint(index))
}

// Work atomically swaps the word to zero and invokes each set bit's slot in
// ascending order. Must be called only by the owner thread.
func (b *Bitfield) Work() {
	w := b.word.Swap(0)
	if w == 0 {
		return
	}
	for i := 0; i < maxSignals; i++ {
		if w&(1<<uint(i)) == 0 {
			continue
		}
		slot := b.slots[i]
		if slot != nil {
			slot()
		}
	}
}
