//go:build !linux

package csr

import "errors"

type PortIO struct{}

func OpenPortIO(base uint16) (*PortIO, error) {
	return nil, errors.New("port I/O is only supported on linux")
}

func (p *PortIO) Read32(off Offset) (uint32, error) { return 0, errors.ErrUnsupported }

func (p *PortIO) Write32(off Offset, v uint32) error { return errors.ErrUnsupported }

func (p *PortIO) Close() error { return nil }
