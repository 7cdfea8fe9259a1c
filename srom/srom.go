// Package srom reads the serial configuration rom of a 21140A by bit banging CSR9.
package srom

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/slackhq/tulip/csr"
)

const (
	// AddrBits is the address width of the 93C46 class part fitted to 21140A boards.
	AddrBits = 6

	// HardwareAddrOffset is where the station address lives in the rom image.
	HardwareAddrOffset = 20
)

var readCommand = [...]uint32{
	csr.RomSDI, csr.RomSDI | csr.RomSCLK, csr.RomSDI,
	csr.RomSDI | csr.RomSCLK, csr.RomSDI,
	0, csr.RomSCLK, 0,
}

// Port is the register access the reader needs. *csr.Port satisfies it.
type Port interface {
	Read(off csr.Offset) uint32
	Write(off csr.Offset, v uint32)
}

type clock struct {
	p    Port
	hold uint32
}

// emit drives the rom lines. Every write is followed by a write to CSR1 which gives the rom time to settle.
func (c *clock) emit(v uint32) {
	c.p.Write(csr.CSR9, v|c.hold)
	c.p.Write(csr.CSR1, 0)
}

// pulse presents d on the data line and clocks it in.
func (c *clock) pulse(d uint32) {
	c.emit(d)
	c.emit(d | csr.RomSCLK)
	c.emit(d)
}

// ReadWord reads the 16 bit word at addr, most significant bit first.
func ReadWord(p Port, addr uint8, addrBits uint8) uint16 {
	c := &clock{p: p}

	// deselect, select the rom, enable reads
	c.emit(0)
	c.emit(csr.RomSR)
	c.emit(csr.RomSR | csr.RomRD)

	c.hold = csr.RomSR | csr.RomRD
	c.emit(0)

	c.hold |= csr.RomCS
	c.pulse(0)

	// start bit and read opcode, 110
	for _, v := range readCommand {
		c.emit(v)
	}

	for i := int(addrBits) - 1; i >= 0; i-- {
		var d uint32
		if addr&(1<<i) != 0 {
			d = csr.RomSDI
		}
		c.pulse(d)
	}

	var word uint16
	for range 16 {
		word <<= 1
		c.emit(csr.RomSCLK)
		if p.Read(csr.CSR9)&csr.RomSDO != 0 {
			word |= 1
		}
		c.emit(0)
	}

	c.emit(0)
	return word
}

// Read returns the rom image. Words are stored little endian, two bytes each. The last word is never read,
// matching what drivers for this part have always done.
func Read(p Port, addrBits uint8) []byte {
	words := 1 << addrBits
	image := make([]byte, words*2)
	for i := 0; i < words-1; i++ {
		binary.LittleEndian.PutUint16(image[i*2:], ReadWord(p, uint8(i), addrBits))
	}
	return image
}

// HardwareAddr extracts the station address from a rom image.
func HardwareAddr(image []byte) (net.HardwareAddr, error) {
	if len(image) < HardwareAddrOffset+6 {
		return nil, fmt.Errorf("rom image of %d bytes is too short to hold a hardware address", len(image))
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, image[HardwareAddrOffset:])
	return mac, nil
}

// NewImage builds a rom image for a 93C46 holding mac at the usual offset.
func NewImage(mac net.HardwareAddr) []byte {
	image := make([]byte, 2<<AddrBits)
	// srom format version 3, one controller
	image[18] = 0x03
	image[19] = 0x01
	copy(image[HardwareAddrOffset:], mac)
	return image
}
