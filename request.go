package tulip

import (
	"fmt"
)

// Status says whether a request finished immediately or was parked until the device catches up.
type Status int

const (
	Done Status = iota
	Pending
)

func (s Status) String() string {
	if s == Pending {
		return "pending"
	}
	return "done"
}

// Result is the immediate outcome of Transmit or Receive. Bytes is the frame size for a finished request.
type Result struct {
	Status Status
	Bytes  int
}

// Fragment is one piece of a caller's scatter/gather list.
type Fragment struct {
	Addr uint64
	Len  int
}

// AddressSpace is where a request's fragments live. A copy that fails is fatal to the device.
type AddressSpace interface {
	CopyFrom(dst []byte, addr uint64) error
	CopyTo(addr uint64, src []byte) error
}

// Request describes the caller memory a single frame is gathered from or scattered into.
type Request struct {
	Space     AddressSpace
	Fragments []Fragment
}

// Size is the sum of the fragment lengths.
func (r *Request) Size() int {
	n := 0
	for _, f := range r.Fragments {
		n += f.Len
	}
	return n
}

// gather copies the fragments, in order, into dst.
func (r *Request) gather(dst []byte) error {
	off := 0
	for i, f := range r.Fragments {
		if f.Len == 0 {
			continue
		}
		if off+f.Len > len(dst) {
			return fmt.Errorf("fragment %d overruns a %d byte buffer", i, len(dst))
		}
		if err := r.Space.CopyFrom(dst[off:off+f.Len], f.Addr); err != nil {
			return fmt.Errorf("fragment %d: %w", i, err)
		}
		off += f.Len
	}
	return nil
}

// scatter copies src across the fragments, each taking as much as it can hold.
func (r *Request) scatter(src []byte) error {
	for i, f := range r.Fragments {
		if len(src) == 0 {
			return nil
		}
		n := min(len(src), f.Len)
		if n == 0 {
			continue
		}
		if err := r.Space.CopyTo(f.Addr, src[:n]); err != nil {
			return fmt.Errorf("fragment %d: %w", i, err)
		}
		src = src[n:]
	}

	if len(src) != 0 {
		return fmt.Errorf("%d bytes did not fit in the request", len(src))
	}
	return nil
}

// Iovec is an AddressSpace over buffers in this process. Fragment addresses carry the buffer index in
// the upper 32 bits and the offset into that buffer in the lower 32.
type Iovec [][]byte

// IovecAddr builds the fragment address of offset off in buffer i.
func IovecAddr(i, off int) uint64 {
	return uint64(i)<<32 | uint64(uint32(off))
}

func (v Iovec) slice(addr uint64, n int) ([]byte, error) {
	i, off := int(addr>>32), int(uint32(addr))
	if i >= len(v) || off+n > len(v[i]) {
		return nil, fmt.Errorf("iovec address %#x+%d is out of range", addr, n)
	}
	return v[i][off : off+n], nil
}

func (v Iovec) CopyFrom(dst []byte, addr uint64) error {
	b, err := v.slice(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (v Iovec) CopyTo(addr uint64, src []byte) error {
	b, err := v.slice(addr, len(src))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// NewRequest builds a request whose fragments are exactly bufs.
func NewRequest(bufs ...[]byte) *Request {
	r := &Request{Space: Iovec(bufs), Fragments: make([]Fragment, len(bufs))}
	for i, b := range bufs {
		r.Fragments[i] = Fragment{Addr: IovecAddr(i, 0), Len: len(b)}
	}
	return r
}
