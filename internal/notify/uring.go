//go:build giouring
// +build giouring

// io_uring backed waiter using pawelgaczynski/giouring. One multishot-free
// poll request is kept armed per doorbell; completions are re-armed after
// each wakeup.
package notify

import (
	"errors"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

type ringWaiter struct {
	ring   *giouring.Ring
	byFd   map[int]*registration
	closed bool
}

// NewRingWaiter returns a waiter that multiplexes doorbells through an
// io_uring poll set instead of epoll.
func NewRingWaiter(entries uint32) (Waiter, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, err
	}
	return &ringWaiter{
		ring: ring,
		byFd: make(map[int]*registration),
	}, nil
}

func (w *ringWaiter) arm(fd int) error {
	sqe := w.ring.GetSQE()
	if sqe == nil {
		return errors.New("notify: submission queue full")
	}
	sqe.PreparePollAdd(fd, unix.POLLIN)
	sqe.UserData = uint64(fd)
	_, err := w.ring.Submit()
	return err
}

func (w *ringWaiter) Register(ch int, d *Doorbell) error {
	w.byFd[d.Fd()] = &registration{ch: ch, d: d}
	return w.arm(d.Fd())
}

func (w *ringWaiter) Wait() (int, error) {
	for {
		if w.closed {
			return 0, ErrClosed
		}

		cqe, err := w.ring.WaitCQE()
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if w.closed {
				return 0, ErrClosed
			}
			return 0, err
		}

		fd := int(cqe.UserData)
		w.ring.CQESeen(cqe)

		reg, ok := w.byFd[fd]
		if !ok {
			continue
		}

		reg.d.Drain()

		// poll requests are one-shot; re-arm before reporting
		if err := w.arm(fd); err != nil {
			return 0, err
		}

		return reg.ch, nil
	}
}

func (w *ringWaiter) Close() error {
	w.closed = true
	w.ring.QueueExit()
	return nil
}
