package sim

import (
	"net"
	"testing"

	"github.com/slackhq/tulip/csr"
	"github.com/slackhq/tulip/dma"
	"github.com/slackhq/tulip/irq"
	"github.com/slackhq/tulip/ring"
	"github.com/slackhq/tulip/srom"
	"github.com/slackhq/tulip/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMAC = net.HardwareAddr{0x00, 0x03, 0xff, 0x12, 0x34, 0x56}

type harness struct {
	dev  *Device
	port *csr.Port
	line *irq.ChanLine
	rx   *ring.Ring
	tx   *ring.Ring
	wire [][]byte
}

func newHarness(t *testing.T, hold bool) *harness {
	arena := dma.NewArena(1<<16, 0x200000)
	h := &harness{line: irq.NewChanLine()}
	h.dev = New(Config{
		MAC:           testMAC,
		Memory:        arena,
		Raiser:        h.line,
		Wire:          func(f []byte) { h.wire = append(h.wire, f) },
		HoldTransmits: hold,
		Logger:        test.NewEntry(nil),
	})
	h.port = csr.NewPort(h.dev, test.NewEntry(nil))

	var err error
	h.rx, err = ring.New(arena, 2, 1536, ring.Receive)
	require.NoError(t, err)
	h.tx, err = ring.New(arena, 2, 1536, ring.Transmit)
	require.NoError(t, err)

	h.port.Write(csr.CSR3, h.rx.Base())
	h.port.Write(csr.CSR4, h.tx.Base())
	h.port.Write(csr.CSR7, csr.IntTIE|csr.IntRIE|csr.IntAIE)
	h.port.Write(csr.CSR6, csr.ModeMBO|csr.ModeSR)
	return h
}

// queue hands descriptor i to the device with frame in its buffer.
func (h *harness) queue(i int, frame []byte, ctrl uint32) {
	copy(h.tx.Buffer(i), frame)
	d := h.tx.At(i)
	d.SetControl(d.Control()&ring.ControlER | ctrl | uint32(len(frame)))
	d.SetStatus(ring.StatusOwn)
}

func (h *harness) loadSetup(t *testing.T, addrs ...net.HardwareAddr) {
	buf := make([]byte, setupFrameSize)
	for i := range filterEntries {
		a := layersBroadcast
		if i < len(addrs) {
			a = addrs[i]
		}
		e := buf[i*filterStride:]
		e[0], e[1], e[4], e[5], e[8], e[9] = a[0], a[1], a[2], a[3], a[4], a[5]
	}
	h.queue(0, buf, ring.ControlSET|ring.ControlIC)
	h.port.Set(csr.CSR6, csr.ModeST)
	require.False(t, h.tx.At(0).Owned(), "setup frame should complete immediately")
}

var layersBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func TestDevice_SROM(t *testing.T) {
	dev := New(Config{MAC: testMAC, Memory: dma.NewArena(64, 0), Logger: test.NewEntry(nil)})
	port := csr.NewPort(dev, test.NewEntry(nil))

	image := srom.Read(port, srom.AddrBits)
	mac, err := srom.HardwareAddr(image)
	require.NoError(t, err)
	assert.Equal(t, testMAC, mac)
	assert.Equal(t, srom.NewImage(testMAC)[:126], image[:126])
	assert.Zero(t, image[126])
}

func TestDevice_setupFilter(t *testing.T) {
	h := newHarness(t, false)
	other := net.HardwareAddr{0x02, 0, 0, 0, 0, 9}

	// nothing is accepted before a setup frame
	assert.False(t, h.dev.Deliver(test.Frame(other, testMAC, 64)))

	h.loadSetup(t, layersBroadcast, testMAC)
	f := h.dev.Filter()
	require.Len(t, f, 16)
	assert.Equal(t, layersBroadcast, f[0])
	assert.Equal(t, testMAC, f[1])
	assert.Equal(t, layersBroadcast, f[15])
	assert.True(t, h.line.Pending(), "setup completion should interrupt")

	assert.False(t, h.dev.Deliver(test.Frame(testMAC, other, 64)))
	assert.True(t, h.dev.Deliver(test.Frame(other, testMAC, 64)))
	assert.True(t, h.dev.Deliver(test.Frame(other, layersBroadcast, 64)))

	// both receive descriptors are full now
	assert.False(t, h.dev.Deliver(test.Frame(other, testMAC, 64)))
	assert.Equal(t, uint32(1), h.dev.Missed())
	assert.Equal(t, uint32(1), h.port.Read(csr.CSR8))
	assert.Zero(t, h.port.Read(csr.CSR8))
}

func TestDevice_receive(t *testing.T) {
	h := newHarness(t, false)
	h.loadSetup(t, layersBroadcast, testMAC)
	h.port.Write(csr.CSR5, csr.StatusAll)
	h.line.Pending()

	frame := test.Frame(net.HardwareAddr{2, 0, 0, 0, 0, 1}, testMAC, 100)
	require.True(t, h.dev.Deliver(frame))

	d := h.rx.At(0)
	assert.False(t, d.Owned())
	assert.Equal(t, ring.StatusFS|ring.StatusLS, d.Status()&(ring.StatusFS|ring.StatusLS))
	assert.Equal(t, 100, d.FrameLength())
	assert.Equal(t, frame, h.rx.Buffer(0)[:100])

	status := h.port.Read(csr.CSR5)
	assert.Equal(t, csr.StatusRI|csr.StatusNIS, status)
	assert.True(t, h.line.Pending())

	// write one to clear
	h.port.Write(csr.CSR5, csr.StatusRI)
	assert.Zero(t, h.port.Read(csr.CSR5))

	// receiver stopped
	h.port.Write(csr.CSR6, csr.ModeMBO)
	assert.False(t, h.dev.Deliver(frame))
}

func TestDevice_transmit(t *testing.T) {
	h := newHarness(t, false)
	h.loadSetup(t, testMAC)

	frame := test.Frame(testMAC, layersBroadcast, 64)
	h.queue(1, frame, ring.ControlFS|ring.ControlLS|ring.ControlIC)
	h.port.Write(csr.CSR1, csr.PollDemand)

	require.Len(t, h.wire, 1)
	assert.Equal(t, frame, h.wire[0])
	assert.False(t, h.tx.At(1).Owned())

	// the device wrapped on end of ring and waits at descriptor 0
	h.queue(0, frame, ring.ControlFS|ring.ControlLS)
	h.port.Write(csr.CSR1, csr.PollDemand)
	assert.Len(t, h.wire, 2)
}

func TestDevice_holdTransmits(t *testing.T) {
	h := newHarness(t, true)
	h.loadSetup(t, testMAC)

	frame := test.Frame(testMAC, layersBroadcast, 64)
	h.queue(1, frame, ring.ControlFS|ring.ControlLS|ring.ControlIC)
	h.port.Write(csr.CSR1, csr.PollDemand)
	h.queue(0, frame, ring.ControlFS|ring.ControlLS|ring.ControlIC)
	h.port.Write(csr.CSR1, csr.PollDemand)

	assert.Equal(t, 2, h.dev.Held())
	assert.Empty(t, h.wire)
	assert.True(t, h.tx.At(0).Owned())
	assert.True(t, h.tx.At(1).Owned())

	h.port.Write(csr.CSR5, csr.StatusAll)
	require.True(t, h.dev.CompleteTransmit())
	assert.False(t, h.tx.At(1).Owned(), "oldest transmit completes first")
	assert.True(t, h.tx.At(0).Owned())
	assert.Equal(t, csr.StatusTI|csr.StatusNIS, h.port.Read(csr.CSR5))

	require.True(t, h.dev.CompleteTransmit())
	assert.False(t, h.dev.CompleteTransmit())
	assert.Len(t, h.wire, 2)
}

func TestDevice_loopback(t *testing.T) {
	arena := dma.NewArena(1<<16, 0x1000)
	dev := New(Config{MAC: testMAC, Memory: arena, Loopback: true, Logger: test.NewEntry(nil)})
	h := &harness{dev: dev, port: csr.NewPort(dev, test.NewEntry(nil)), line: irq.NewChanLine()}

	var err error
	h.rx, err = ring.New(arena, 4, 1536, ring.Receive)
	require.NoError(t, err)
	h.tx, err = ring.New(arena, 4, 1536, ring.Transmit)
	require.NoError(t, err)
	h.port.Write(csr.CSR3, h.rx.Base())
	h.port.Write(csr.CSR4, h.tx.Base())
	h.port.Write(csr.CSR6, csr.ModeSR)
	h.loadSetup(t, testMAC)

	frame := test.Frame(testMAC, testMAC, 80)
	h.queue(1, frame, ring.ControlFS|ring.ControlLS)
	h.port.Write(csr.CSR1, csr.PollDemand)

	assert.Equal(t, 80, h.rx.At(0).FrameLength())
	assert.Equal(t, frame, h.rx.Buffer(0)[:80])
}

func TestDevice_resetAndFault(t *testing.T) {
	h := newHarness(t, false)
	h.loadSetup(t, testMAC)
	h.port.Write(csr.CSR5, csr.StatusAll)

	h.dev.Fault()
	assert.Equal(t, csr.StatusAIS, h.port.Read(csr.CSR5)&csr.StatusAIS)

	h.port.Write(csr.CSR0, csr.BusSWR)
	assert.Zero(t, h.port.Read(csr.CSR5))
	assert.Zero(t, h.port.Read(csr.CSR6))
	assert.Zero(t, h.port.Read(csr.CSR3))
	assert.Empty(t, h.dev.Filter())

	_, err := h.dev.Read32(csr.Offset(0x04))
	assert.Error(t, err)
}
