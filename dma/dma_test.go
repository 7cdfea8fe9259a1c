package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_Alloc(t *testing.T) {
	a := NewArena(64, 0x10000)

	r, err := a.Alloc(3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10000), r.Addr)
	assert.Len(t, r.Buf, 3)

	r, err = a.Alloc(16, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10010), r.Addr)
	assert.Equal(t, 32, a.Used())

	// regions never grow into their neighbour
	assert.Equal(t, 16, cap(r.Buf))

	_, err = a.Alloc(33, 4)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	_, err = a.Alloc(4, 3)
	assert.ErrorIs(t, err, ErrBadAlignment)
}

func TestArena_unalignedBase(t *testing.T) {
	a := NewArena(64, 0x10002)
	r, err := a.Alloc(16, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10002), r.Addr)
}

func TestArena_Slice(t *testing.T) {
	a := NewArena(64, 0x1000)
	r, err := a.Alloc(8, 4)
	require.NoError(t, err)
	copy(r.Buf, "abcdefgh")

	b, err := a.Slice(r.Addr+2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("cde"), b)

	// writes through the device view land in the region
	b[0] = 'z'
	assert.Equal(t, byte('z'), r.Buf[2])

	_, err = a.Slice(0xfff, 1)
	assert.ErrorIs(t, err, ErrBadAddress)

	_, err = a.Slice(0x1000+60, 8)
	assert.ErrorIs(t, err, ErrBadAddress)
}
