// Package notify implements the host notification channels as eventfd
// doorbells multiplexed by a waiter.
//
// A doorbell is an edge-style signal: ringing it any number of times
// before the peer looks results in a single wakeup, and the handler is
// expected to process all available work per wakeup. This matches the
// coalescing semantics the virtualiser's event loop is written against.
package notify

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("notify: waiter closed")

// Doorbell is one notification endpoint, backed by an eventfd.
type Doorbell struct {
	fd int
}

// NewDoorbell creates a non-blocking eventfd doorbell.
func NewDoorbell() (*Doorbell, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Doorbell{fd: fd}, nil
}

// Fd returns the underlying file descriptor for waiter registration.
func (d *Doorbell) Fd() int {
	return d.fd
}

// Notify rings the doorbell. Ringing an already-pending doorbell is a
// no-op at the receiver, which is the coalescing the protocol wants.
func (d *Doorbell) Notify() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(d.fd, one[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// counter saturated; the pending wakeup already covers us
			return nil
		default:
			return err
		}
	}
}

// Drain consumes the pending count so the next ring re-arms the fd.
func (d *Doorbell) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(d.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Close releases the eventfd.
func (d *Doorbell) Close() error {
	return unix.Close(d.fd)
}

// Waiter blocks for the next rung doorbell and reports its channel.
type Waiter interface {
	// Register associates a doorbell with a channel identifier.
	// Must be called before Wait.
	Register(ch int, d *Doorbell) error

	// Wait blocks until some registered doorbell rings, drains it, and
	// returns its channel identifier.
	Wait() (int, error)

	// Close unblocks Wait with ErrClosed and releases resources.
	Close() error
}

type epollWaiter struct {
	epfd    int
	byFd    map[int]*registration
	pending []int
	closed  bool
}

type registration struct {
	ch int
	d  *Doorbell
}

// NewWaiter returns the default epoll-backed waiter. A waiter built on
// io_uring is available with the giouring build tag via NewRingWaiter.
func NewWaiter() (Waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollWaiter{
		epfd: epfd,
		byFd: make(map[int]*registration),
	}, nil
}

func (w *epollWaiter) Register(ch int, d *Doorbell) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(d.Fd()),
	}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, d.Fd(), &ev); err != nil {
		return err
	}
	w.byFd[d.Fd()] = &registration{ch: ch, d: d}
	return nil
}

func (w *epollWaiter) Wait() (int, error) {
	for {
		if w.closed {
			return 0, ErrClosed
		}

		if len(w.pending) > 0 {
			ch := w.pending[0]
			w.pending = w.pending[1:]
			return ch, nil
		}

		var events [8]unix.EpollEvent
		n, err := unix.EpollWait(w.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if w.closed {
				return 0, ErrClosed
			}
			return 0, err
		}

		for i := 0; i < n; i++ {
			reg, ok := w.byFd[int(events[i].Fd)]
			if !ok {
				continue
			}
			reg.d.Drain()
			w.pending = append(w.pending, reg.ch)
		}
	}
}

func (w *epollWaiter) Close() error {
	w.closed = true
	return unix.Close(w.epfd)
}
