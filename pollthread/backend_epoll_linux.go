//go:build linux

package pollthread

import (
	"time"

	"golang.org/x/sys/unix"
)

// EpollBackend implements Backend over Linux epoll, grounded on
// original_source/src/torrent/poll_epoll.cc/.h.
type EpollBackend struct {
	fd    int
	state map[Event]uint32
}

func NewEpollBackend() (*EpollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollBackend{fd: fd, state: make(map[Event]uint32)}, nil
}

func (b *EpollBackend) Open(e Event) {
	if _, ok := b.state[e]; ok {
		return
	}
	b.state[e] = 0
	unix.EpollCtl(b.fd, unix.EPOLL_CTL_ADD, int(e), &unix.EpollEvent{Fd: int32(e)})
}

func (b *EpollBackend) Close(e Event) {
	if _, ok := b.state[e]; !ok {
		return
	}
	unix.EpollCtl(b.fd, unix.EPOLL_CTL_DEL, int(e), nil)
	delete(b.state, e)
}

func (b *EpollBackend) modify(e Event, bit uint32, add bool) {
	cur, ok := b.state[e]
	if !ok {
		b.Open(e)
		cur = b.state[e]
	}
	if add {
		cur |= bit
	} else {
		cur &^= bit
	}
	b.state[e] = cur
	unix.EpollCtl(b.fd, unix.EPOLL_CTL_MOD, int(e), &unix.EpollEvent{Fd: int32(e), Events: cur})
}

func (b *EpollBackend) InsertRead(e Event)  { b.modify(e, unix.EPOLLIN, true) }
func (b *EpollBackend) InsertWrite(e Event) { b.modify(e, unix.EPOLLOUT, true) }
func (b *EpollBackend) InsertError(e Event) { b.modify(e, unix.EPOLLERR, true) }
func (b *EpollBackend) RemoveRead(e Event)  { b.modify(e, unix.EPOLLIN, false) }
func (b *EpollBackend) RemoveWrite(e Event) { b.modify(e, unix.EPOLLOUT, false) }
func (b *EpollBackend) RemoveError(e Event) { b.modify(e, unix.EPOLLERR, false) }

func (b *EpollBackend) DoPoll(timeout time.Duration, fn func(Event, Interest)) {
	events := make([]unix.EpollEvent, 64)
	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	n, err := unix.EpollWait(b.fd, events, ms)
	if err != nil {
		return
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		var interest Interest
		if ev.Events&unix.EPOLLIN != 0 {
			interest |= InterestRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			interest |= InterestWrite
		}
		if ev.Events&unix.EPOLLERR != 0 {
			interest |= InterestError
		}
		fn(Event(ev.Fd), interest)
	}
}
