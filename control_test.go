package tulip

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/tap"
	"github.com/slackhq/tulip/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedTap struct {
	*fakeTap
	name string
}

func (n namedTap) Name() string { return n.name }

const simulatorConfig = `
backend: simulator
reset_delay: 0s
simulator:
  loopback: true
rings:
  receive: 4
  transmit: 4
devices:
  - base: 0xfc00
    irq: 11
  - mode: disabled
  - mode: sink
    mac: "02:00:00:00:00:02"
`

func TestControl_simulator(t *testing.T) {
	ctrl, err := Main(loadConfig(t, simulatorConfig), false, "test", test.NewLogger())
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	ctx := context.Background()
	drv := ctrl.Driver()
	assert.Equal(t, 3, drv.Ports())

	dumps, err := drv.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, "08:00:2b:21:40:00", dumps[0].HardwareAddr.String())
	assert.Nil(t, dumps[1].HardwareAddr)
	assert.Equal(t, "02:00:00:00:00:02", dumps[2].HardwareAddr.String())

	frame := test.Frame(peerMAC, dumps[0].HardwareAddr, 200)
	r, err := drv.Transmit(ctx, 0, NewRequest(frame))
	require.NoError(t, err)
	assert.Equal(t, Done, r.Status)

	buf := make([]byte, MaxFrameSize)
	r, err = drv.Receive(ctx, 0, NewRequest(buf))
	require.NoError(t, err)
	assert.Equal(t, Result{Status: Done, Bytes: 200}, r)
	assert.Equal(t, frame, buf[:200])

	_, err = drv.Transmit(ctx, 1, NewRequest(frame))
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestControl_tap(t *testing.T) {
	ctrl, err := Main(loadConfig(t, simulatorConfig+"tap:\n  enabled: true\n"), false, "test", test.NewLogger())
	require.NoError(t, err)

	taps := map[string]*fakeTap{}
	ctrl.openTap = func(_ *logrus.Logger, c tap.Config) (tap.Device, error) {
		ft := newFakeTap()
		taps[c.Name] = ft
		return namedTap{fakeTap: ft, name: c.Name}, nil
	}

	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	require.Len(t, taps, 2)
	require.Contains(t, taps, "tulip0")
	require.Contains(t, taps, "tulip2")

	mac := ctrl.Driver().devices[0].HardwareAddr()
	f := test.Frame(peerMAC, mac, 90)
	taps["tulip0"].in <- f
	assert.Equal(t, f, taps["tulip0"].next(t))
}

func TestControl_startFailure(t *testing.T) {
	raw := "backend: simulator\nreset_delay: 0s\ndevices:\n  - base: 0xfc00\n    revision: 0x11\n"
	ctrl, err := Main(loadConfig(t, raw), false, "test", test.NewLogger())
	require.NoError(t, err)

	err = ctrl.Start()
	assert.ErrorIs(t, err, ErrUnsupportedDevice)

	// already stopped, a second stop is harmless
	ctrl.Stop()
}
