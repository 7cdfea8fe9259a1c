// Package tulip drives DEC 21140A ethernet controllers from user space.
//
// A Device owns one adapter: its register window, its two descriptor rings and at most one outstanding
// request in each direction. A request that cannot complete straight away is parked and finished later
// from HandleInterrupt. Devices are not safe for concurrent use, a Driver serializes every call onto
// a single goroutine.
package tulip

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/csr"
	"github.com/slackhq/tulip/dma"
	"github.com/slackhq/tulip/irq"
	"github.com/slackhq/tulip/ring"
	"github.com/slackhq/tulip/srom"
)

const (
	SupportedRevision = 0x20
	MinBaseAddress    = 0x400

	MinFrameSize = 60
	MaxFrameSize = 1514

	DefaultDescriptors = 32
	DefaultBufferSize  = 1536
	DefaultResetDelay  = time.Second
)

type Mode int

const (
	ModeDisabled Mode = iota
	ModeEnabled
	// ModeSink accepts and drops every transmit and never completes a receive. No hardware is touched.
	ModeSink
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeEnabled:
		return "enabled"
	case ModeSink:
		return "sink"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return ModeDisabled, nil
	case "enabled", "on", "":
		return ModeEnabled, nil
	case "sink":
		return ModeSink, nil
	}
	return ModeDisabled, fmt.Errorf("unknown device mode `%s`. possible modes: %s", s, []string{"enabled", "disabled", "sink"})
}

type DeviceConfig struct {
	Port     int
	Name     string
	Mode     Mode
	Base     uint16
	IRQ      int
	Revision uint8

	// HardwareAddr replaces the address read from the serial rom when set.
	HardwareAddr net.HardwareAddr

	ReceiveDescriptors  int
	TransmitDescriptors int
	BufferSize          int
	ResetDelay          time.Duration

	// StrictInterrupts makes an interrupt that cannot progress a pending request fatal. By default the
	// request stays pending, since a status bit latched before the request was parked can fire late.
	StrictInterrupts bool

	Bus       csr.Bus
	Allocator dma.Allocator
	Line      irq.Line
	Metrics   metrics.Registry
}

type flags uint8

const (
	flagAckSend flags = 1 << iota
	flagAckRecv
	flagReading
	flagSending
)

type Device struct {
	cfg  DeviceConfig
	l    *logrus.Entry
	regs *csr.Port
	mac  net.HardwareAddr

	rx, tx *ring.Ring
	rxReq  *Request
	txReq  *Request

	flags     flags
	readBytes int
	setupDone bool

	configured bool
	failed     error
	stats      *counters
}

func NewDevice(cfg DeviceConfig, l *logrus.Logger) *Device {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("tulip:eth%d", cfg.Port)
	}
	if cfg.ReceiveDescriptors == 0 {
		cfg.ReceiveDescriptors = DefaultDescriptors
	}
	if cfg.TransmitDescriptors == 0 {
		cfg.TransmitDescriptors = DefaultDescriptors
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	e := l.WithFields(logrus.Fields{
		"port": cfg.Port,
		"name": cfg.Name,
	})
	if cfg.Mode == ModeEnabled {
		e = e.WithFields(logrus.Fields{
			"base": fmt.Sprintf("%#04x", cfg.Base),
			"irq":  cfg.IRQ,
		})
	}

	d := &Device{
		cfg:   cfg,
		l:     e,
		stats: newCounters(cfg.Port, cfg.Metrics),
	}
	if cfg.Bus != nil {
		d.regs = csr.NewPort(csr.Traced(cfg.Bus, e), e)
	}
	return d
}

func (d *Device) Name() string {
	return d.cfg.Name
}

func (d *Device) Port() int {
	return d.cfg.Port
}

func (d *Device) Mode() Mode {
	return d.cfg.Mode
}

// HardwareAddr is the station address, nil until the device is configured.
func (d *Device) HardwareAddr() net.HardwareAddr {
	return d.mac
}

// Line is the interrupt line the device raises, nil for sink and disabled devices.
func (d *Device) Line() irq.Line {
	if d.cfg.Mode != ModeEnabled {
		return nil
	}
	return d.cfg.Line
}

// Err is the error that put the device into its failed state, if any.
func (d *Device) Err() error {
	return d.failed
}

func (d *Device) Stats() Stats {
	return d.stats.Stats
}

// Configure brings the device up on the first call and returns its hardware address. Later calls return
// the same address without touching the hardware.
func (d *Device) Configure() (net.HardwareAddr, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	if d.configured {
		return d.mac, nil
	}

	switch d.cfg.Mode {
	case ModeDisabled:
		return nil, fmt.Errorf("%s: %w", d.cfg.Name, ErrDisabled)

	case ModeSink:
		d.mac = make(net.HardwareAddr, 6)
		d.applyOverride()
		d.configured = true
		d.l.WithField("hwaddr", d.mac).Info("Device running in sink mode")
		return d.mac, nil
	}

	if err := d.validate(); err != nil {
		return nil, err
	}

	if err := d.probe(); err != nil {
		return nil, err
	}

	if err := d.init(); err != nil {
		return nil, err
	}

	d.configured = true
	d.l.WithField("hwaddr", d.mac).Info("Device configured")
	return d.mac, nil
}

func (d *Device) validate() error {
	if d.cfg.Revision != SupportedRevision {
		return d.fail("Unsupported device", map[string]any{"revision": fmt.Sprintf("%#02x", d.cfg.Revision)}, ErrUnsupportedDevice)
	}
	if d.cfg.Base < MinBaseAddress {
		return d.fail("Invalid base address", map[string]any{"base": fmt.Sprintf("%#04x", d.cfg.Base)}, ErrBadBaseAddress)
	}
	if d.regs == nil || d.cfg.Allocator == nil {
		return d.fail("Device has no bus or dma memory", nil, ErrNotConfigured)
	}
	return nil
}

// probe resets the chip and reads the station address out of the serial rom.
func (d *Device) probe() error {
	d.reset()

	image := srom.Read(d.regs, srom.AddrBits)
	mac, err := srom.HardwareAddr(image)
	if err != nil {
		return d.fail("Failed to read the serial rom", nil, err)
	}
	d.mac = mac
	d.applyOverride()

	d.l.WithField("hwaddr", d.mac).Debug("Probe success")
	return nil
}

func (d *Device) applyOverride() {
	if len(d.cfg.HardwareAddr) == 6 {
		d.mac = append(net.HardwareAddr(nil), d.cfg.HardwareAddr...)
	}
}

func (d *Device) reset() {
	d.regs.Write(csr.CSR0, csr.BusSWR)
	if d.cfg.ResetDelay > 0 {
		time.Sleep(d.cfg.ResetDelay)
	}
}

func (d *Device) init() error {
	var err error
	d.rx, err = ring.New(d.cfg.Allocator, d.cfg.ReceiveDescriptors, d.cfg.BufferSize, ring.Receive)
	if err != nil {
		return d.fail("Failed to build the receive ring", nil, err)
	}

	d.tx, err = ring.New(d.cfg.Allocator, d.cfg.TransmitDescriptors, d.cfg.BufferSize, ring.Transmit)
	if err != nil {
		return d.fail("Failed to build the transmit ring", nil, err)
	}
	// every frame, and the setup frame, fits in one descriptor
	if d.tx.BufferSize() < MaxFrameSize {
		return d.fail("Ring buffers cannot hold a full frame", map[string]any{"size": d.tx.BufferSize()}, ring.ErrBufferSize)
	}

	// descriptor 0 carries the setup frame
	d.tx.Seek(d.tx.Next(0))

	d.reset()
	d.configureHardware()
	d.loadSetupFrame()
	d.start()

	d.l.WithFields(logrus.Fields{
		"rxRing": fmt.Sprintf("%#08x", d.rx.Base()),
		"txRing": fmt.Sprintf("%#08x", d.tx.Base()),
	}).Debug("Device started")
	return nil
}

func (d *Device) configureHardware() {
	d.regs.Write(csr.CSR0, csr.BusBAR|csr.BusCAL8)
	d.regs.Write(csr.CSR3, d.rx.Base())
	d.regs.Write(csr.CSR4, d.tx.Base())
	d.regs.Write(csr.CSR7, csr.IntTIE|csr.IntRIE|csr.IntAIE)
	d.regs.Write(csr.CSR6, csr.ModeMBO|csr.ModePS|csr.ModeFD|csr.ModeHBD|csr.ModePCS|csr.ModeSCR|csr.ModeTR00)
}

func (d *Device) start() {
	d.regs.Set(csr.CSR6, csr.ModeST|csr.ModeSR)
}

// ready checks the common preconditions of Transmit and Receive.
func (d *Device) ready() error {
	if d.failed != nil {
		return d.failed
	}
	if d.cfg.Mode == ModeDisabled {
		return fmt.Errorf("%s: %w", d.cfg.Name, ErrDisabled)
	}
	if !d.configured {
		return fmt.Errorf("%s: %w", d.cfg.Name, ErrNotConfigured)
	}
	return nil
}

// Rings returns the receive and transmit rings, nil before the device is configured.
func (d *Device) Rings() (rx, tx *ring.Ring) {
	return d.rx, d.tx
}

// Pending reports which directions have a parked request.
func (d *Device) Pending() (receive, transmit bool) {
	return d.flags&flagReading != 0, d.flags&flagSending != 0
}
