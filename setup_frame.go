package tulip

import (
	"net"

	"github.com/slackhq/tulip/csr"
	"github.com/slackhq/tulip/ring"
)

const (
	setupFrameSize  = 192
	setupEntries    = 16
	setupEntryBytes = 12
)

var broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// buildSetupFrame fills a perfect filtering table: broadcast in the first slot, our own address in the other
// fifteen. Each address is written as three little endian 16 bit words, one per 32 bit word of the entry.
// Multicast is left to the chip's default filtering.
func buildSetupFrame(buf []byte, mac net.HardwareAddr) {
	clear(buf[:setupFrameSize])
	for i := range setupEntries {
		a := mac
		if i == 0 {
			a = broadcast
		}
		e := buf[i*setupEntryBytes:]
		e[0], e[1] = a[0], a[1]
		e[4], e[5] = a[2], a[3]
		e[8], e[9] = a[4], a[5]
	}
}

// loadSetupFrame places the filter table in transmit descriptor 0 and starts the transmit process so the
// chip picks it up. Transmit reclaims the descriptor the first time the ring wraps back to it.
func (d *Device) loadSetupFrame() {
	buildSetupFrame(d.tx.Buffer(0), d.mac)

	desc := d.tx.At(0)
	desc.SetControl(desc.Control()&ring.ControlER | ring.ControlSET | ring.ControlIC | setupFrameSize)
	desc.SetStatus(ring.StatusOwn)

	d.regs.Set(csr.CSR6, csr.ModeST)
	d.regs.Write(csr.CSR1, csr.PollDemand)
}
