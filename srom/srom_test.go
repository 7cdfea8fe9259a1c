package srom

import (
	"net"
	"testing"

	"github.com/slackhq/tulip/csr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPort answers CSR9 reads from a fixed bit stream and records every write.
type scriptedPort struct {
	bits   []bool
	writes []write
}

type write struct {
	off csr.Offset
	v   uint32
}

func (s *scriptedPort) Read(off csr.Offset) uint32 {
	if off != csr.CSR9 || len(s.bits) == 0 {
		return 0
	}
	b := s.bits[0]
	s.bits = s.bits[1:]
	if b {
		return csr.RomSDO
	}
	return 0
}

func (s *scriptedPort) Write(off csr.Offset, v uint32) {
	s.writes = append(s.writes, write{off, v})
}

func (s *scriptedPort) rom() []uint32 {
	var out []uint32
	for _, w := range s.writes {
		if w.off == csr.CSR9 {
			out = append(out, w.v)
		}
	}
	return out
}

func bitsOf(w uint16) []bool {
	out := make([]bool, 16)
	for i := range out {
		out[i] = w&(0x8000>>i) != 0
	}
	return out
}

func TestReadWord_reconstructsBits(t *testing.T) {
	for _, want := range []uint16{0x0000, 0xffff, 0xa5c3, 0x0001, 0x8000} {
		p := &scriptedPort{bits: bitsOf(want)}
		assert.Equal(t, want, ReadWord(p, 10, AddrBits), "word %#04x", want)
		assert.Empty(t, p.bits, "every scripted bit should be sampled")
	}
}

func TestReadWord_sequence(t *testing.T) {
	p := &scriptedPort{}
	ReadWord(p, 0b101010, AddrBits)

	// every rom write is followed by the settle write
	require.Len(t, p.writes, 132)
	for i := 0; i < len(p.writes); i += 2 {
		assert.Equal(t, csr.CSR9, p.writes[i].off)
		assert.Equal(t, write{csr.CSR1, 0}, p.writes[i+1])
	}

	rom := p.rom()
	assert.Equal(t, []uint32{0, csr.RomSR, csr.RomSR | csr.RomRD, csr.RomSR | csr.RomRD}, rom[:4])

	selected := csr.RomSR | csr.RomRD | csr.RomCS
	for i, v := range rom[4:] {
		assert.Equal(t, selected, v&selected, "write %d lost chip select", i+4)
	}

	// collect what the rom sees on each rising clock edge
	var sampled []bool
	for i := 1; i < len(rom); i++ {
		if rom[i]&csr.RomSCLK != 0 && rom[i-1]&csr.RomSCLK == 0 {
			sampled = append(sampled, rom[i]&csr.RomSDI != 0)
		}
	}

	// idle clock, start bit, read opcode, six address bits, sixteen data clocks
	require.Len(t, sampled, 1+3+6+16)
	assert.Equal(t, []bool{false, true, true, false}, sampled[:4])
	assert.Equal(t, []bool{true, false, true, false, true, false}, sampled[4:10])

	assert.Equal(t, selected, rom[len(rom)-1])
}

func TestHardwareAddr(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x00, 0xf8, 0x01, 0x02, 0x03}
	image := NewImage(mac)
	assert.Len(t, image, 128)

	got, err := HardwareAddr(image)
	require.NoError(t, err)
	assert.Equal(t, mac, got)

	// the result does not alias the image
	image[HardwareAddrOffset] = 0xff
	assert.Equal(t, mac, got)

	_, err = HardwareAddr(image[:25])
	assert.Error(t, err)
}

func TestRead_hardwareAddrFromBits(t *testing.T) {
	words := make([]uint16, 1<<AddrBits)
	words[9] = 0x0103 // format version 3, one controller
	words[10] = 0x0300
	words[11] = 0x0aff
	words[12] = 0x0c0b
	words[62] = 0x1234
	words[63] = 0xffff

	// the last word is never clocked out
	var bits []bool
	for _, w := range words[:len(words)-1] {
		bits = append(bits, bitsOf(w)...)
	}
	p := &scriptedPort{bits: bits}

	image := Read(p, AddrBits)
	require.Len(t, image, 128)
	assert.Empty(t, p.bits, "every scripted bit should be sampled")
	assert.Equal(t, []byte{0x03, 0x01}, image[18:20])
	assert.Equal(t, []byte{0x34, 0x12, 0x00, 0x00}, image[124:])

	mac, err := HardwareAddr(image)
	require.NoError(t, err)
	assert.Equal(t, net.HardwareAddr{0x00, 0x03, 0xff, 0x0a, 0x0b, 0x0c}, mac)
}
