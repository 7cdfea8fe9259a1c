// Package csr describes the control and status registers of the 21140A and the buses they are reached through.
package csr

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Offset is a register offset from the device base address. Registers are 8 bytes apart.
type Offset uint16

const (
	CSR0  Offset = 0x00 // bus mode
	CSR1  Offset = 0x08 // transmit poll demand
	CSR2  Offset = 0x10 // receive poll demand
	CSR3  Offset = 0x18 // receive list base
	CSR4  Offset = 0x20 // transmit list base
	CSR5  Offset = 0x28 // status
	CSR6  Offset = 0x30 // operation mode
	CSR7  Offset = 0x38 // interrupt enable
	CSR8  Offset = 0x40 // missed frames
	CSR9  Offset = 0x48 // serial rom and mii management
	CSR10 Offset = 0x50
	CSR11 Offset = 0x58 // general purpose timer
	CSR12 Offset = 0x60 // general purpose port
	CSR13 Offset = 0x68
	CSR14 Offset = 0x70
	CSR15 Offset = 0x78 // watchdog timer
)

func (o Offset) String() string {
	if o%8 != 0 || o > CSR15 {
		return fmt.Sprintf("0x%02x", uint16(o))
	}
	return fmt.Sprintf("CSR%d", o/8)
}

// CSR0 bus mode
const (
	BusSWR  uint32 = 1 << 0 // software reset
	BusBAR  uint32 = 1 << 1 // bus arbitration, receive has priority
	BusCAL8 uint32 = 1 << 14
)

// CSR5 status, write one to clear
const (
	StatusTI  uint32 = 1 << 0 // transmit interrupt
	StatusRI  uint32 = 1 << 6 // receive interrupt
	StatusAIS uint32 = 1 << 15
	StatusNIS uint32 = 1 << 16

	// StatusAll acknowledges every latched condition.
	StatusAll uint32 = 0xffffffff
)

// CSR6 operation mode
const (
	ModeSR   uint32 = 1 << 1 // start receive
	ModeFD   uint32 = 1 << 9 // full duplex
	ModeST   uint32 = 1 << 13
	ModeTR00 uint32 = 0 << 14 // lowest transmit threshold
	ModePS   uint32 = 1 << 18 // port select
	ModeHBD  uint32 = 1 << 19 // heartbeat disable
	ModePCS  uint32 = 1 << 23
	ModeSCR  uint32 = 1 << 24
	ModeMBO  uint32 = 1 << 25 // must be one
)

// CSR7 interrupt enable, bit positions mirror CSR5
const (
	IntTIE uint32 = 1 << 0
	IntRIE uint32 = 1 << 6
	IntAIE uint32 = 1 << 15
	IntNIE uint32 = 1 << 16
)

// CSR9 serial rom lines
const (
	RomCS   uint32 = 1 << 0 // chip select
	RomSCLK uint32 = 1 << 1
	RomSDI  uint32 = 1 << 2 // data into the rom
	RomSDO  uint32 = 1 << 3 // data out of the rom
	RomSR   uint32 = 1 << 11
	RomRD   uint32 = 1 << 14
)

// PollDemand is written to CSR1 or CSR2 to make the device rescan its list. The value is ignored.
const PollDemand uint32 = 0xffffffff

// Bus reads and writes 32 bit registers relative to a device's base address.
type Bus interface {
	Read32(off Offset) (uint32, error)
	Write32(off Offset, v uint32) error
}

// Port is a register accessor that never fails. The device keeps going after a bus error the same way it would
// after a lost PCI cycle, the error is logged as a warning and reads come back as zero.
type Port struct {
	bus Bus
	l   *logrus.Entry
}

func NewPort(bus Bus, l *logrus.Entry) *Port {
	return &Port{bus: bus, l: l}
}

func (p *Port) Read(off Offset) uint32 {
	v, err := p.bus.Read32(off)
	if err != nil {
		p.l.WithError(err).WithField("register", off).Warn("Register read failed")
		return 0
	}
	return v
}

func (p *Port) Write(off Offset, v uint32) {
	if err := p.bus.Write32(off, v); err != nil {
		p.l.WithError(err).WithField("register", off).WithField("value", fmt.Sprintf("%#08x", v)).Warn("Register write failed")
	}
}

// Set ors bits into the register.
func (p *Port) Set(off Offset, bits uint32) {
	p.Write(off, p.Read(off)|bits)
}

// Traced wraps a bus so every access is logged at trace level.
func Traced(bus Bus, l *logrus.Entry) Bus {
	if !l.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return bus
	}
	return &tracedBus{bus: bus, l: l}
}

type tracedBus struct {
	bus Bus
	l   *logrus.Entry
}

func (t *tracedBus) Read32(off Offset) (uint32, error) {
	v, err := t.bus.Read32(off)
	t.l.WithField("register", off).WithField("value", fmt.Sprintf("%#08x", v)).Trace("read")
	return v, err
}

func (t *tracedBus) Write32(off Offset, v uint32) error {
	t.l.WithField("register", off).WithField("value", fmt.Sprintf("%#08x", v)).Trace("write")
	return t.bus.Write32(off, v)
}
