package irq

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// UIOLine waits on a /dev/uioN device bound to the adapter with uio_pci_generic. The kernel masks the
// interrupt each time it fires, Enable unmasks it again.
type UIOLine struct {
	path string
	fd   int
	p    *poller
}

func OpenUIO(path string) (*UIOLine, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	p, err := newPoller(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	u := &UIOLine{path: path, fd: fd, p: p}
	if err := u.Enable(); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

func (u *UIOLine) Wait() error {
	for {
		if err := u.p.wait(); err != nil {
			return err
		}

		// the read returns the total interrupt count, the value itself is not interesting
		var b [4]byte
		_, err := unix.Read(u.fd, b[:])
		if err == nil {
			return nil
		}
		if u.p.closed.Load() {
			return ErrClosed
		}
		if !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("read %s: %w", u.path, err)
		}
	}
}

func (u *UIOLine) Enable() error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(u.fd, b[:]); err != nil {
		return fmt.Errorf("unmask %s: %w", u.path, err)
	}
	return nil
}

func (u *UIOLine) Close() error {
	return u.p.close()
}
