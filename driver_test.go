package tulip

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/slackhq/tulip/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDriver(t *testing.T, devs ...*Device) (*Driver, func()) {
	t.Helper()
	drv := NewDriver(test.NewLogger(), devs)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- drv.Run(ctx) }()

	return drv, func() {
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("driver did not stop")
		}
	}
}

func TestDriver_badPort(t *testing.T) {
	drv, stop := startDriver(t, newTestDevice(t).Device)
	defer stop()

	ctx := context.Background()
	_, _, err := drv.Configure(ctx, 1)
	assert.ErrorIs(t, err, ErrBadPort)
	_, err = drv.Transmit(ctx, -1, NewRequest(make([]byte, 64)))
	assert.ErrorIs(t, err, ErrBadPort)
	_, err = drv.Stats(ctx, 7)
	assert.ErrorIs(t, err, ErrBadPort)
}

func TestDriver_interruptCompletion(t *testing.T) {
	sink := NewDevice(DeviceConfig{Port: 1, Mode: ModeSink}, test.NewLogger())
	td := newTestDevice(t, withLoopback())
	drv, stop := startDriver(t, td.Device, sink)
	defer stop()

	completions := make(chan Completion, 4)
	drv.OnCompletion(func(c Completion) { completions <- c })

	ctx := context.Background()
	mac, ports, err := drv.Configure(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, romMAC, mac)
	assert.Equal(t, 2, ports)

	_, _, err = drv.Configure(ctx, 1)
	require.NoError(t, err)

	buf := make([]byte, MaxFrameSize)
	r, err := drv.Receive(ctx, 0, NewRequest(buf))
	require.NoError(t, err)
	require.Equal(t, Pending, r.Status)

	frame := frameTo(romMAC, 128)
	r, err = drv.Transmit(ctx, 0, NewRequest(frame))
	require.NoError(t, err)
	require.Equal(t, Done, r.Status)

	select {
	case c := <-completions:
		assert.Equal(t, Completion{Port: 0, Received: true, Bytes: 128}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
	assert.True(t, bytes.Equal(frame, buf[:128]))

	s, err := drv.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.PacketsSent)
	assert.Equal(t, uint64(1), s.PacketsReceived)

	dumps, err := drv.Dump(ctx)
	require.NoError(t, err)
	require.Len(t, dumps, 2)
	assert.Equal(t, "sink", dumps[1].Mode)
	assert.Len(t, dumps[0].Transmit, 4)

	var out bytes.Buffer
	dumps[0].WriteStats(&out)
	assert.Contains(t, out.String(), "hwaddr 00:03:ff:0a:0b:0c")
	out.Reset()
	dumps[0].WriteRings(&out)
	assert.Contains(t, out.String(), ">  2 owner=host")
}

func TestDriver_stopped(t *testing.T) {
	drv, stop := startDriver(t, newTestDevice(t).Device)
	stop()

	_, err := drv.Transmit(context.Background(), 0, NewRequest(make([]byte, 64)))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDriver_contextCanceled(t *testing.T) {
	// never started
	drv := NewDriver(test.NewLogger(), []*Device{newTestDevice(t).Device})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := drv.Configure(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDriver_fatalInterrupt(t *testing.T) {
	td := newTestDevice(t)
	drv := NewDriver(test.NewLogger(), []*Device{td.Device})

	errc := make(chan error, 1)
	go func() { errc <- drv.Run(context.Background()) }()

	ctx := context.Background()
	_, _, err := drv.Configure(ctx, 0)
	require.NoError(t, err)

	td.sim.Fault()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrAbnormalInterrupt)
	case <-time.After(5 * time.Second):
		t.Fatal("driver kept running after an abnormal interrupt")
	}
	assert.ErrorIs(t, td.Err(), ErrAbnormalInterrupt)

	_, err = drv.Transmit(ctx, 0, NewRequest(make([]byte, 64)))
	assert.ErrorIs(t, err, ErrStopped)
}
