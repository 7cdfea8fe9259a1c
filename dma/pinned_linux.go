package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// PinnedArena is locked anonymous memory for a real device. Bus addresses are the physical addresses
// reported by /proc/self/pagemap, which needs CAP_SYS_ADMIN. Allocations never cross a page boundary
// since neighbouring virtual pages are not physically contiguous.
type PinnedArena struct {
	mem      []byte
	off      int
	pageSize int
	pagemap  *os.File
}

func NewPinnedArena(size int) (*PinnedArena, error) {
	pageSize := unix.Getpagesize()
	size = (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("map dma memory: %w", err)
	}

	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("lock dma memory: %w", err)
	}

	pm, err := os.Open("/proc/self/pagemap")
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}

	return &PinnedArena{mem: mem, pageSize: pageSize, pagemap: pm}, nil
}

func (a *PinnedArena) Alloc(size, align int) (Region, error) {
	if size > a.pageSize {
		return Region{}, fmt.Errorf("%w: %d bytes does not fit in a %d byte page", ErrOutOfMemory, size, a.pageSize)
	}

	off, err := alignUp(a.off, align)
	if err != nil {
		return Region{}, err
	}
	if off%a.pageSize+size > a.pageSize {
		off, _ = alignUp(off, a.pageSize)
	}
	if off+size > len(a.mem) {
		return Region{}, fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrOutOfMemory, size, off, len(a.mem))
	}

	buf := a.mem[off : off+size : off+size]
	phys, err := a.physical(buf)
	if err != nil {
		return Region{}, err
	}
	if phys+uint64(size) > math.MaxUint32 {
		return Region{}, fmt.Errorf("physical address %#x is not reachable with 32 bit dma", phys)
	}

	a.off = off + size
	return Region{Buf: buf, Addr: uint32(phys)}, nil
}

func (a *PinnedArena) physical(b []byte) (uint64, error) {
	virt := uintptr(unsafe.Pointer(&b[0]))
	page := uint64(virt) / uint64(a.pageSize)

	var entry [8]byte
	if _, err := a.pagemap.ReadAt(entry[:], int64(page*8)); err != nil {
		return 0, fmt.Errorf("read pagemap: %w", err)
	}

	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, errors.New("dma page is not resident")
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, errors.New("pagemap hides page frame numbers, CAP_SYS_ADMIN is required")
	}

	return pfn*uint64(a.pageSize) + uint64(virt)%uint64(a.pageSize), nil
}

func (a *PinnedArena) Close() error {
	a.pagemap.Close()
	return unix.Munmap(a.mem)
}
