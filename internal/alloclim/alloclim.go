// Package alloclim limits the total bytes reserved across in-flight peer
// request buffers, so a swarm of fast peers can't force unbounded memory
// growth while waiting for disk writes to drain.
package alloclim

import "sync"

// Limiter bounds the sum of all outstanding Reservation sizes to Max bytes.
type Limiter struct {
	Max int64

	mu   sync.Mutex
	cur  int64
	cond sync.Cond
}

func NewLimiter(max int64) *Limiter {
	l := &Limiter{Max: max}
	l.cond.L = &l.mu
	return l
}

// Reserve blocks until n bytes are available, then returns a Reservation
// that must be Drop()ed to release them.
func (l *Limiter) Reserve(n int64) *Reservation {
	l.mu.Lock()
	for l.Max > 0 && l.cur+n > l.Max {
		l.cond.Wait()
	}
	l.cur += n
	l.mu.Unlock()
	return &Reservation{l: l, n: n}
}

// Reservation is a claim on n bytes of a Limiter's budget.
type Reservation struct {
	l *Limiter
	n int64

	dropped bool
}

// Drop releases the reservation, if any. Safe to call on a nil
// *Reservation (the no-limit case) and safe to call more than once.
func (r *Reservation) Drop() {
	if r == nil || r.dropped {
		return
	}
	r.dropped = true
	r.l.mu.Lock()
	r.l.cur -= r.n
	r.l.mu.Unlock()
	r.l.cond.Broadcast()
}
