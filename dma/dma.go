// Package dma hands out memory the device can reach by bus address.
package dma

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory  = errors.New("dma arena exhausted")
	ErrBadAddress   = errors.New("address is outside of the dma arena")
	ErrBadAlignment = errors.New("alignment must be a power of two")
)

// Region is a block of memory together with the 32 bit bus address the device uses to reach it.
type Region struct {
	Buf  []byte
	Addr uint32
}

type Allocator interface {
	Alloc(size, align int) (Region, error)
}

// Memory is the device side view of an arena, bus address in and bytes out.
type Memory interface {
	Slice(addr uint32, n int) ([]byte, error)
}

// Arena is a bump allocator over ordinary heap memory that pretends to live at bus address base.
// It backs the simulator and sink devices. Alignment is applied to offsets within the arena,
// so an unaligned base produces unaligned bus addresses.
type Arena struct {
	mem  []byte
	base uint32
	off  int
}

func NewArena(size int, base uint32) *Arena {
	return &Arena{mem: make([]byte, size), base: base}
}

func (a *Arena) Alloc(size, align int) (Region, error) {
	off, err := alignUp(a.off, align)
	if err != nil {
		return Region{}, err
	}
	if size < 0 || off+size > len(a.mem) {
		return Region{}, fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrOutOfMemory, size, off, len(a.mem))
	}

	a.off = off + size
	return Region{Buf: a.mem[off : off+size : off+size], Addr: a.base + uint32(off)}, nil
}

func (a *Arena) Slice(addr uint32, n int) ([]byte, error) {
	if addr < a.base {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	off := int(addr - a.base)
	if n < 0 || off+n > len(a.mem) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrBadAddress, addr, n)
	}
	return a.mem[off : off+n : off+n], nil
}

// Used reports how many bytes have been handed out.
func (a *Arena) Used() int {
	return a.off
}

func alignUp(v, align int) (int, error) {
	if align <= 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadAlignment, align)
	}
	return (v + align - 1) &^ (align - 1), nil
}
