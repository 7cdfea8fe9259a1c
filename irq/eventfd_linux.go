package irq

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// EventLine is a Line backed by an eventfd, raised by a device model living in the same process.
type EventLine struct {
	fd int
	p  *poller
}

func NewEventLine() (*EventLine, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	p, err := newPoller(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &EventLine{fd: fd, p: p}, nil
}

func (e *EventLine) Raise() error {
	if e.p.closed.Load() {
		return ErrClosed
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(e.fd, b[:])
	return err
}

func (e *EventLine) Wait() error {
	for {
		if err := e.p.wait(); err != nil {
			return err
		}

		// reading resets the counter so raises coalesce
		var b [8]byte
		_, err := unix.Read(e.fd, b[:])
		if err == nil {
			return nil
		}
		if e.p.closed.Load() {
			return ErrClosed
		}
		if !errors.Is(err, unix.EAGAIN) {
			return err
		}
	}
}

func (e *EventLine) Enable() error {
	return nil
}

func (e *EventLine) Close() error {
	return e.p.close()
}
