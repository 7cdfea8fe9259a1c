package irq

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller waits for a source fd to become readable, or for the line to be closed. It owns the source fd.
type poller struct {
	epfd   int
	stop   int
	source int
	closed atomic.Bool
	once   sync.Once
}

func newPoller(source int) (*poller, error) {
	stop, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(stop)
		return nil, err
	}

	for _, fd := range []int{source, stop} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(stop)
			unix.Close(epfd)
			return nil, err
		}
	}

	return &poller{epfd: epfd, stop: stop, source: source}, nil
}

// wait returns once the source is readable. The caller consumes the event.
func (p *poller) wait() error {
	events := make([]unix.EpollEvent, 2)
	for {
		if p.closed.Load() {
			return ErrClosed
		}

		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if p.closed.Load() {
				return ErrClosed
			}
			return err
		}

		ready := false
		for _, ev := range events[:n] {
			switch int(ev.Fd) {
			case p.stop:
				return ErrClosed
			case p.source:
				ready = true
			}
		}
		if ready {
			return nil
		}
	}
}

func (p *poller) close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		var b [8]byte
		binary.NativeEndian.PutUint64(b[:], 1)
		if _, err = unix.Write(p.stop, b[:]); err != nil {
			return
		}
		unix.Close(p.epfd)
		unix.Close(p.stop)
		unix.Close(p.source)
	})
	return err
}
