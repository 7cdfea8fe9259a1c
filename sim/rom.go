package sim

import (
	"encoding/binary"

	"github.com/slackhq/tulip/csr"
)

type romState int

const (
	romIdle romState = iota
	romOpcode
	romAddress
	romData
	romIgnore
)

// rom models the three wire protocol of a 93C46 serial eeprom. Only the read command is implemented.
type rom struct {
	image    []byte
	addrBits int

	state romState
	prev  uint32
	out   bool
	n     int
	op    uint32
	addr  uint32
	word  uint16
}

func newROM(image []byte, addrBits int) *rom {
	return &rom{image: image, addrBits: addrBits}
}

func (r *rom) reset() {
	r.state = romIdle
	r.out = false
	r.n = 0
	r.prev = 0
}

func (r *rom) load() {
	off := int(r.addr) * 2
	if off+2 > len(r.image) {
		r.word = 0xffff
		return
	}
	r.word = binary.LittleEndian.Uint16(r.image[off:])
}

func (r *rom) write(v uint32) {
	defer func() { r.prev = v }()

	if v&csr.RomCS == 0 {
		r.state = romIdle
		r.out = false
		r.n = 0
		return
	}

	if v&csr.RomSCLK == 0 || r.prev&csr.RomSCLK != 0 {
		return
	}

	in := v&csr.RomSDI != 0
	switch r.state {
	case romIdle:
		if in {
			r.state, r.n, r.op = romOpcode, 0, 0
		}

	case romOpcode:
		r.op <<= 1
		if in {
			r.op |= 1
		}
		r.n++
		if r.n == 2 {
			if r.op == 0b10 {
				r.state, r.n, r.addr = romAddress, 0, 0
			} else {
				r.state = romIgnore
			}
		}

	case romAddress:
		r.addr <<= 1
		if in {
			r.addr |= 1
		}
		r.n++
		if r.n == r.addrBits {
			r.load()
			r.state, r.n = romData, 0
			// dummy zero ahead of the data
			r.out = false
		}

	case romData:
		r.out = r.word&(0x8000>>r.n) != 0
		r.n++
		if r.n == 16 {
			// sequential read rolls on to the next word
			r.addr = (r.addr + 1) & (1<<r.addrBits - 1)
			r.load()
			r.n = 0
		}
	}
}

func (r *rom) read() uint32 {
	v := r.prev &^ csr.RomSDO
	if r.out {
		v |= csr.RomSDO
	}
	return v
}
