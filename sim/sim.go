// Package sim is a software model of a DEC 21140A good enough to drive the real driver code against.
//
// It implements the registers the driver touches, walks both descriptor lists in dma memory the way the chip
// does, filters received frames through the table loaded by a setup frame, and answers serial rom reads
// through CSR9. Transmitted frames either loop back into the receive list or leave through a wire callback.
package sim

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/csr"
	"github.com/slackhq/tulip/dma"
	"github.com/slackhq/tulip/irq"
	"github.com/slackhq/tulip/ring"
	"github.com/slackhq/tulip/srom"
)

const (
	setupFrameSize = 192
	filterEntries  = 16
	filterStride   = 12
)

type Config struct {
	MAC    net.HardwareAddr
	Memory dma.Memory
	Raiser irq.Raiser

	// Wire receives every transmitted frame unless Loopback is set. It is called without any lock held.
	Wire func(frame []byte)

	// Loopback feeds transmitted frames back into the receive list.
	Loopback bool

	// HoldTransmits keeps transmit descriptors owned by the device until CompleteTransmit is called,
	// to model a device that is slower than the driver.
	HoldTransmits bool

	Logger *logrus.Entry
}

type inflight struct {
	addr  uint32
	frame []byte
}

// Device is safe for concurrent use. Register access normally comes from the driver goroutine while frames
// arrive from another.
type Device struct {
	mu  sync.Mutex
	cfg Config
	l   *logrus.Entry
	rom *rom

	busMode uint32
	status  uint32
	mode    uint32
	mask    uint32
	missed  uint32

	rxBase, rxAddr uint32
	txBase, txAddr uint32

	held   []inflight
	filter []net.HardwareAddr
	setup  bool

	// frames sent with the lock held, flushed to the wire after unlock
	outbox [][]byte
}

func New(cfg Config) *Device {
	l := cfg.Logger
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Device{
		cfg: cfg,
		l:   l.WithField("subsystem", "sim"),
		rom: newROM(srom.NewImage(cfg.MAC), srom.AddrBits),
	}
}

func (d *Device) Read32(off csr.Offset) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case csr.CSR0:
		return d.busMode, nil
	case csr.CSR3:
		return d.rxBase, nil
	case csr.CSR4:
		return d.txBase, nil
	case csr.CSR5:
		return d.status, nil
	case csr.CSR6:
		return d.mode, nil
	case csr.CSR7:
		return d.mask, nil
	case csr.CSR8:
		v := d.missed
		d.missed = 0
		return v, nil
	case csr.CSR9:
		return d.rom.read(), nil
	case csr.CSR1, csr.CSR2, csr.CSR10, csr.CSR11, csr.CSR12, csr.CSR13, csr.CSR14, csr.CSR15:
		return 0, nil
	}

	return 0, fmt.Errorf("no register at offset %s", off)
}

func (d *Device) Write32(off csr.Offset, v uint32) error {
	d.mu.Lock()
	err := d.write(off, v)
	out := d.takeOutbox()
	d.mu.Unlock()

	d.send(out)
	return err
}

func (d *Device) write(off csr.Offset, v uint32) error {
	switch off {
	case csr.CSR0:
		if v&csr.BusSWR != 0 {
			d.reset()
			return nil
		}
		d.busMode = v

	case csr.CSR1:
		if d.mode&csr.ModeST != 0 {
			d.pollTransmit()
		}

	case csr.CSR2:
		// receive descriptors are checked as frames arrive

	case csr.CSR3:
		d.rxBase, d.rxAddr = v, v

	case csr.CSR4:
		d.txBase, d.txAddr = v, v

	case csr.CSR5:
		d.status &^= v
		if d.status&(csr.StatusTI|csr.StatusRI) == 0 {
			d.status &^= csr.StatusNIS
		}

	case csr.CSR6:
		started := d.mode&csr.ModeST == 0 && v&csr.ModeST != 0
		d.mode = v
		if started {
			d.pollTransmit()
		}

	case csr.CSR7:
		d.mask = v
		d.raiseIfPending()

	case csr.CSR9:
		d.rom.write(v)

	case csr.CSR8, csr.CSR10, csr.CSR11, csr.CSR12, csr.CSR13, csr.CSR14, csr.CSR15:

	default:
		return fmt.Errorf("no register at offset %s", off)
	}

	return nil
}

func (d *Device) reset() {
	d.busMode = 0
	d.status = 0
	d.mode = 0
	d.mask = 0
	d.missed = 0
	d.rxBase, d.rxAddr = 0, 0
	d.txBase, d.txAddr = 0, 0
	d.held = nil
	d.filter = nil
	d.setup = false
	d.rom.reset()
}

func (d *Device) descriptor(addr uint32) (ring.Descriptor, error) {
	b, err := d.cfg.Memory.Slice(addr, ring.DescriptorSize)
	if err != nil {
		return ring.Descriptor{}, err
	}
	return ring.View(b), nil
}

func (d *Device) next(addr, base uint32, desc ring.Descriptor) uint32 {
	if desc.Control()&ring.ControlER != 0 {
		return base
	}
	return addr + ring.DescriptorSize
}

func (d *Device) isHeld(addr uint32) bool {
	for _, h := range d.held {
		if h.addr == addr {
			return true
		}
	}
	return false
}

// pollTransmit walks the transmit list from the current descriptor until it finds one the device does not own.
func (d *Device) pollTransmit() {
	for {
		desc, err := d.descriptor(d.txAddr)
		if err != nil {
			d.fault("transmit descriptor", err)
			return
		}
		if !desc.Owned() || d.isHeld(d.txAddr) {
			return
		}

		ctrl := desc.Control()
		buf, err := d.cfg.Memory.Slice(desc.Buffer1(), desc.Size())
		if err != nil {
			d.fault("transmit buffer", err)
			return
		}

		addr := d.txAddr
		d.txAddr = d.next(addr, d.txBase, desc)

		switch {
		case ctrl&ring.ControlSET != 0:
			d.loadFilter(buf)
			d.complete(desc)

		case d.cfg.HoldTransmits:
			d.held = append(d.held, inflight{addr: addr, frame: bytes.Clone(buf)})

		default:
			d.transmit(bytes.Clone(buf))
			d.complete(desc)
		}
	}
}

func (d *Device) complete(desc ring.Descriptor) {
	desc.SetStatus(0)
	if desc.Control()&ring.ControlIC != 0 {
		d.latch(csr.StatusTI)
	}
}

func (d *Device) transmit(frame []byte) {
	d.l.WithField("size", len(frame)).Trace("Frame left the device")
	if d.cfg.Loopback {
		d.deliver(frame)
		return
	}
	d.outbox = append(d.outbox, frame)
}

func (d *Device) takeOutbox() [][]byte {
	out := d.outbox
	d.outbox = nil
	return out
}

func (d *Device) send(frames [][]byte) {
	if d.cfg.Wire == nil {
		return
	}
	for _, f := range frames {
		d.cfg.Wire(f)
	}
}

// loadFilter reads the 16 perfect filter entries out of a setup frame. Each address is stored as three
// 16 bit words in the low half of three 32 bit words.
func (d *Device) loadFilter(buf []byte) {
	if len(buf) < setupFrameSize {
		d.fault("setup frame", fmt.Errorf("setup frame of %d bytes", len(buf)))
		return
	}

	d.filter = d.filter[:0]
	for i := range filterEntries {
		e := buf[i*filterStride:]
		d.filter = append(d.filter, net.HardwareAddr{e[0], e[1], e[4], e[5], e[8], e[9]})
	}
	d.setup = true
}

func (d *Device) accept(frame []byte) bool {
	if !d.setup || len(frame) < 6 {
		return false
	}

	dst := net.HardwareAddr(frame[:6])
	// broadcast falls out of this test as well
	if dst[0]&1 != 0 {
		return true
	}
	for _, f := range d.filter {
		if bytes.Equal(f, dst) {
			return true
		}
	}
	return false
}

func (d *Device) deliver(frame []byte) bool {
	if d.mode&csr.ModeSR == 0 {
		d.missed++
		return false
	}
	if !d.accept(frame) {
		return false
	}

	desc, err := d.descriptor(d.rxAddr)
	if err != nil {
		d.fault("receive descriptor", err)
		return false
	}
	if !desc.Owned() {
		d.missed++
		return false
	}

	status := ring.StatusFS | ring.StatusLS | uint32(len(frame))<<ring.StatusFrameLengthShift&ring.StatusFrameLengthMask
	buf, err := d.cfg.Memory.Slice(desc.Buffer1(), desc.Size())
	if err != nil {
		d.fault("receive buffer", err)
		return false
	}
	if len(frame) > len(buf) {
		status |= ring.StatusES
	}
	copy(buf, frame)

	desc.SetStatus(status)
	d.rxAddr = d.next(d.rxAddr, d.rxBase, desc)
	d.latch(csr.StatusRI)
	return true
}

func (d *Device) latch(bits uint32) {
	d.status |= bits
	if bits&(csr.StatusTI|csr.StatusRI) != 0 {
		d.status |= csr.StatusNIS
	}
	d.raiseIfPending()
}

func (d *Device) raiseIfPending() {
	if d.status&d.mask == 0 || d.cfg.Raiser == nil {
		return
	}
	if err := d.cfg.Raiser.Raise(); err != nil {
		d.l.WithError(err).Debug("Failed to raise interrupt")
	}
}

func (d *Device) fault(what string, err error) {
	d.l.WithError(err).WithField("what", what).Error("Bus error")
	d.latch(csr.StatusAIS)
}

// Deliver puts a frame on the device's receive side, as if it had arrived from the wire.
// It reports whether the frame was written into the receive list.
func (d *Device) Deliver(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliver(frame)
}

// CompleteTransmit finishes the oldest held transmit. It reports false if nothing was held.
func (d *Device) CompleteTransmit() bool {
	d.mu.Lock()
	if len(d.held) == 0 {
		d.mu.Unlock()
		return false
	}

	h := d.held[0]
	d.held = d.held[1:]

	desc, err := d.descriptor(h.addr)
	if err != nil {
		d.fault("transmit descriptor", err)
		d.mu.Unlock()
		return false
	}
	d.transmit(h.frame)
	d.complete(desc)

	// descriptors queued behind a full hold can go now
	d.pollTransmit()
	out := d.takeOutbox()
	d.mu.Unlock()

	d.send(out)
	return true
}

// Held is the number of transmits waiting on CompleteTransmit.
func (d *Device) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// SetHoldTransmits changes whether new transmits are held. Frames already held stay held.
func (d *Device) SetHoldTransmits(hold bool) {
	d.mu.Lock()
	d.cfg.HoldTransmits = hold
	d.mu.Unlock()
}

// Fault raises an abnormal interrupt, as a fatal bus error would.
func (d *Device) Fault() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latch(csr.StatusAIS)
}

// Filter returns the perfect filter table loaded by the last setup frame.
func (d *Device) Filter() []net.HardwareAddr {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]net.HardwareAddr, len(d.filter))
	for i, f := range d.filter {
		out[i] = bytes.Clone(f)
	}
	return out
}

// Missed is the number of frames dropped for want of a receive descriptor, without clearing CSR8.
func (d *Device) Missed() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missed
}
