package ring

import (
	"encoding/binary"
	"fmt"
)

// DescriptorSize is the size of a descriptor in bytes. Four little endian words: status, control, buffer 1, buffer 2.
const DescriptorSize = 16

// Status word, shared by receive and transmit descriptors where the meaning overlaps.
const (
	StatusOwn uint32 = 1 << 31 // the device owns the descriptor
	StatusES  uint32 = 1 << 15 // error summary
	StatusFS  uint32 = 1 << 9  // first descriptor of a frame
	StatusLS  uint32 = 1 << 8  // last descriptor of a frame
	StatusRE  uint32 = 1 << 3  // receive error

	StatusFrameLengthShift        = 16
	StatusFrameLengthMask  uint32 = 0x3fff << StatusFrameLengthShift
)

// Control word
const (
	ControlIC  uint32 = 1 << 31 // interrupt on completion
	ControlLS  uint32 = 1 << 30
	ControlFS  uint32 = 1 << 29
	ControlSET uint32 = 1 << 27 // setup frame
	ControlER  uint32 = 1 << 25 // end of ring

	ControlSizeMask uint32 = 0x7ff // buffer 1 byte count
)

// Descriptor is a view of one descriptor in dma memory.
type Descriptor struct {
	b []byte
}

// View interprets b as a descriptor. b must be at least DescriptorSize bytes.
func View(b []byte) Descriptor {
	return Descriptor{b: b[:DescriptorSize:DescriptorSize]}
}

func (d Descriptor) word(i int) uint32 {
	return binary.LittleEndian.Uint32(d.b[i*4:])
}

func (d Descriptor) setWord(i int, v uint32) {
	binary.LittleEndian.PutUint32(d.b[i*4:], v)
}

func (d Descriptor) Status() uint32     { return d.word(0) }
func (d Descriptor) SetStatus(v uint32) { d.setWord(0, v) }

func (d Descriptor) Control() uint32     { return d.word(1) }
func (d Descriptor) SetControl(v uint32) { d.setWord(1, v) }

func (d Descriptor) Buffer1() uint32     { return d.word(2) }
func (d Descriptor) SetBuffer1(v uint32) { d.setWord(2, v) }

func (d Descriptor) Buffer2() uint32     { return d.word(3) }
func (d Descriptor) SetBuffer2(v uint32) { d.setWord(3, v) }

func (d Descriptor) Owned() bool {
	return d.Status()&StatusOwn != 0
}

// FrameLength is the received frame length, crc included.
func (d Descriptor) FrameLength() int {
	return int(d.Status()&StatusFrameLengthMask) >> StatusFrameLengthShift
}

// Size is the buffer 1 byte count from the control word.
func (d Descriptor) Size() int {
	return int(d.Control() & ControlSizeMask)
}

func (d Descriptor) String() string {
	owner := "host"
	if d.Owned() {
		owner = "nic"
	}
	return fmt.Sprintf("owner=%s status=%#08x control=%#08x buf1=%#08x buf2=%#08x", owner, d.Status(), d.Control(), d.Buffer1(), d.Buffer2())
}
