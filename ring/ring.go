// Package ring manages the receive and transmit descriptor lists of a 21140A.
//
// A ring is a contiguous array of descriptors in dma memory, each pointing at its own buffer. The last
// descriptor carries the end of ring bit so the device wraps back to the first. Ownership of every
// descriptor passes back and forth between the driver and the device through the own bit.
package ring

import (
	"errors"
	"fmt"

	"github.com/slackhq/tulip/dma"
)

var (
	ErrMisaligned = errors.New("dma address is not 4 byte aligned")
	ErrCapacity   = errors.New("ring needs at least one descriptor")
	ErrBufferSize = errors.New("buffer size must be a non zero multiple of 4 no larger than 2044")
)

const maxBufferSize = int(ControlSizeMask) &^ 3

type Direction int

const (
	Receive Direction = iota
	Transmit
)

func (d Direction) String() string {
	switch d {
	case Receive:
		return "receive"
	case Transmit:
		return "transmit"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

type Ring struct {
	dir     Direction
	table   dma.Region
	buffers []dma.Region
	bufSize int
	cursor  int
}

// New allocates a ring of capacity descriptors with a bufSize byte buffer each. Receive descriptors start owned
// by the device so it can fill them straight away, transmit descriptors start owned by the driver.
func New(a dma.Allocator, capacity, bufSize int, dir Direction) (*Ring, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	if bufSize <= 0 || bufSize%4 != 0 || bufSize > maxBufferSize {
		return nil, fmt.Errorf("%w: %d", ErrBufferSize, bufSize)
	}

	table, err := a.Alloc(capacity*DescriptorSize, 4)
	if err != nil {
		return nil, fmt.Errorf("allocate %s descriptors: %w", dir, err)
	}
	if table.Addr%4 != 0 {
		return nil, fmt.Errorf("%w: %s descriptor table at %#x", ErrMisaligned, dir, table.Addr)
	}

	r := &Ring{
		dir:     dir,
		table:   table,
		buffers: make([]dma.Region, capacity),
		bufSize: bufSize,
	}

	for i := range r.buffers {
		buf, err := a.Alloc(bufSize, 4)
		if err != nil {
			return nil, fmt.Errorf("allocate %s buffer %d: %w", dir, i, err)
		}
		if buf.Addr%4 != 0 {
			return nil, fmt.Errorf("%w: %s buffer %d at %#x", ErrMisaligned, dir, i, buf.Addr)
		}
		r.buffers[i] = buf

		d := r.At(i)
		ctrl := uint32(bufSize) & ControlSizeMask
		if i == capacity-1 {
			ctrl |= ControlER
		}
		d.SetControl(ctrl)
		d.SetBuffer1(buf.Addr)
		d.SetBuffer2(0)
		if dir == Receive {
			d.SetStatus(StatusOwn)
		} else {
			d.SetStatus(0)
		}
	}

	return r, nil
}

// Next returns the index after i, wrapping at the end of the ring.
func (r *Ring) Next(i int) int {
	i++
	if i == len(r.buffers) {
		return 0
	}
	return i
}

func (r *Ring) Advance() {
	r.cursor = r.Next(r.cursor)
}

func (r *Ring) Current() Descriptor {
	return r.At(r.cursor)
}

func (r *Ring) At(i int) Descriptor {
	return View(r.table.Buf[i*DescriptorSize:])
}

// Buffer returns the full dma buffer behind descriptor i.
func (r *Ring) Buffer(i int) []byte {
	return r.buffers[i].Buf
}

// Base is the bus address of the first descriptor, the value programmed into CSR3 or CSR4.
func (r *Ring) Base() uint32 {
	return r.table.Addr
}

func (r *Ring) Cursor() int {
	return r.cursor
}

func (r *Ring) Seek(i int) {
	r.cursor = i % len(r.buffers)
}

func (r *Ring) Capacity() int {
	return len(r.buffers)
}

func (r *Ring) BufferSize() int {
	return r.bufSize
}

func (r *Ring) Direction() Direction {
	return r.dir
}
