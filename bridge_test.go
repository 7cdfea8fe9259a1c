package tulip

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/slackhq/tulip/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTap struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeTap() *fakeTap {
	return &fakeTap{
		in:   make(chan []byte, 8),
		out:  make(chan []byte, 8),
		done: make(chan struct{}),
	}
}

func (f *fakeTap) Read(p []byte) (int, error) {
	select {
	case b := <-f.in:
		return copy(p, b), nil
	case <-f.done:
		return 0, io.EOF
	}
}

func (f *fakeTap) Write(p []byte) (int, error) {
	select {
	case f.out <- bytes.Clone(p):
		return len(p), nil
	case <-f.done:
		return 0, io.ErrClosedPipe
	}
}

func (f *fakeTap) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTap) next(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.out:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no frame reached the host")
		return nil
	}
}

func TestBridge_loopback(t *testing.T) {
	td := newTestDevice(t, withLoopback())
	drv, stop := startDriver(t, td.Device)
	defer stop()

	_, _, err := drv.Configure(context.Background(), 0)
	require.NoError(t, err)

	tap := newFakeTap()
	b := newBridge(test.NewLogger(), drv, 0, tap)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.run(ctx) }()

	// short frames are padded on the way out
	arp := test.ARPRequest(romMAC, net.IPv4(10, 1, 0, 1), net.IPv4(10, 1, 0, 2))
	tap.in <- arp
	got := tap.next(t)
	require.Len(t, got, MinFrameSize)
	assert.Equal(t, arp, got[:len(arp)])

	for _, n := range []int{64, 512, MaxFrameSize} {
		f := frameTo(romMAC, n)
		tap.in <- f
		assert.Equal(t, f, tap.next(t))
	}

	// not accepted by the filter, so it never comes back
	tap.in <- frameTo(peerMAC, 100)
	tap.in <- frameTo(romMAC, 101)
	assert.Len(t, tap.next(t), 101)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}

	s, err := drv.Stats(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), s.PacketsSent)
	assert.Equal(t, uint64(5), s.PacketsReceived)
}

func TestBridge_complete(t *testing.T) {
	drv := NewDriver(test.NewLogger(), nil)
	b := newBridge(test.NewLogger(), drv, 2, newFakeTap())

	b.complete(Completion{Port: 1, Sent: true, Received: true, Bytes: 9})
	assert.Empty(t, b.sent)
	assert.Empty(t, b.received)

	b.complete(Completion{Port: 2, Sent: true, Received: true, Bytes: 70})
	b.complete(Completion{Port: 2, Sent: true})
	assert.Len(t, b.sent, 1)
	assert.Equal(t, 70, <-b.received)
}
