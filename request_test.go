package tulip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_gather(t *testing.T) {
	a, b := []byte("hello "), []byte("--world--")
	req := &Request{
		Space: Iovec{a, b},
		Fragments: []Fragment{
			{Addr: IovecAddr(0, 0), Len: 6},
			{Addr: IovecAddr(1, 0), Len: 0},
			{Addr: IovecAddr(1, 2), Len: 5},
		},
	}
	assert.Equal(t, 11, req.Size())

	dst := make([]byte, 11)
	require.NoError(t, req.gather(dst))
	assert.Equal(t, "hello world", string(dst))

	assert.Error(t, req.gather(make([]byte, 8)))

	req.Fragments[2].Len = 8
	assert.Error(t, req.gather(make([]byte, 14)), "fragment runs past its buffer")
}

func TestRequest_scatter(t *testing.T) {
	a, b, c := make([]byte, 3), make([]byte, 0), make([]byte, 10)
	req := NewRequest(a, b, c)

	require.NoError(t, req.scatter([]byte("abcdefg")))
	assert.Equal(t, "abc", string(a))
	assert.Equal(t, "defg", string(c[:4]))
	assert.Equal(t, make([]byte, 6), c[4:])

	err := req.scatter(make([]byte, 14))
	assert.EqualError(t, err, "1 bytes did not fit in the request")
}

func TestIovec(t *testing.T) {
	v := Iovec{make([]byte, 4), []byte("abcd")}

	dst := make([]byte, 2)
	require.NoError(t, v.CopyFrom(dst, IovecAddr(1, 2)))
	assert.Equal(t, "cd", string(dst))

	require.NoError(t, v.CopyTo(IovecAddr(0, 1), []byte("xy")))
	assert.Equal(t, []byte{0, 'x', 'y', 0}, v[0])

	assert.Error(t, v.CopyFrom(dst, IovecAddr(1, 3)))
	assert.Error(t, v.CopyTo(IovecAddr(2, 0), dst))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "pending", Pending.String())
}
