package csr

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PortIO reaches registers in x86 I/O space through /dev/port. The process needs CAP_SYS_RAWIO.
type PortIO struct {
	fd   int
	base uint16
}

func OpenPortIO(base uint16) (*PortIO, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: "/dev/port", Err: err}
	}
	return &PortIO{fd: fd, base: base}, nil
}

func (p *PortIO) Read32(off Offset) (uint32, error) {
	var b [4]byte
	n, err := unix.Pread(p.fd, b[:], int64(p.base)+int64(off))
	if err != nil {
		return 0, fmt.Errorf("inl %#x: %w", int(p.base)+int(off), err)
	}
	if n != len(b) {
		return 0, fmt.Errorf("inl %#x: short read of %d bytes", int(p.base)+int(off), n)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (p *PortIO) Write32(off Offset, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	n, err := unix.Pwrite(p.fd, b[:], int64(p.base)+int64(off))
	if err != nil {
		return fmt.Errorf("outl %#x: %w", int(p.base)+int(off), err)
	}
	if n != len(b) {
		return fmt.Errorf("outl %#x: short write of %d bytes", int(p.base)+int(off), n)
	}
	return nil
}

func (p *PortIO) Close() error {
	return unix.Close(p.fd)
}
