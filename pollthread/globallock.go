package pollthread

import "sync"

// GlobalLock is the coarse-grained lock shared across the main and disk
// threads (spec.md §5's "global lock"). It mirrors the root package's
// lockWithDeferreds (deferrwl.go) but is reimplemented here, standalone,
// since the root package depends on pollthread rather than the reverse.
type GlobalLock struct {
	mu      sync.Mutex
	locked  bool
	pending []func()
}

func (l *GlobalLock) Lock() {
	l.mu.Lock()
	l.locked = true
}

// Unlock runs any deferred actions queued via Defer before releasing the
// lock, mirroring lockWithDeferreds' unlock-action drain.
func (l *GlobalLock) Unlock() {
	actions := l.pending
	l.pending = nil
	for _, a := range actions {
		a()
	}
	l.locked = false
	l.mu.Unlock()
}

// Defer schedules an action to run just before the next Unlock. Must be
// called while holding the lock.
func (l *GlobalLock) Defer(action func()) {
	l.pending = append(l.pending, action)
}
