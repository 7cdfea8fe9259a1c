package tulip

import (
	"fmt"

	"github.com/slackhq/tulip/csr"
)

// Completion reports the requests an interrupt finished. Bytes is the size of the received frame.
type Completion struct {
	Port     int
	Sent     bool
	Received bool
	Bytes    int
}

// Empty is true when the interrupt did not finish anything.
func (c Completion) Empty() bool {
	return !c.Sent && !c.Received
}

// HandleInterrupt services the device after its line was raised. Parked requests are resumed when the status
// register shows progress in their direction, then every latched status bit is acknowledged and the line is
// re-armed.
func (d *Device) HandleInterrupt() (Completion, error) {
	c := Completion{Port: d.cfg.Port}
	if d.failed != nil {
		return c, d.failed
	}
	if d.cfg.Mode != ModeEnabled || !d.configured {
		return c, nil
	}

	status := d.regs.Read(csr.CSR5)
	if status&csr.StatusAIS != 0 {
		return c, d.fail("Abnormal interrupt", map[string]any{"csr5": fmt.Sprintf("%#08x", status)}, ErrAbnormalInterrupt)
	}

	if d.flags&flagReading != 0 && status&csr.StatusRI != 0 {
		if err := d.resumeReceive(); err != nil {
			return c, err
		}
	}

	if d.flags&flagSending != 0 && status&csr.StatusTI != 0 {
		if err := d.resumeTransmit(); err != nil {
			return c, err
		}
	}

	d.regs.Write(csr.CSR5, csr.StatusAll)

	// A frame that landed between the status read and the acknowledge had its bit cleared with the rest.
	// Pick it up now rather than wait for the next interrupt.
	if d.flags&flagReading != 0 && frameReady(d.rx.Current()) {
		if err := d.resumeReceive(); err != nil {
			return c, err
		}
	}
	if d.flags&flagSending != 0 && !d.tx.Current().Owned() {
		if err := d.resumeTransmit(); err != nil {
			return c, err
		}
	}

	if d.cfg.Line != nil {
		if err := d.cfg.Line.Enable(); err != nil {
			d.l.WithError(err).Warn("Failed to re-enable the interrupt line")
		}
	}

	c.Sent = d.flags&flagAckSend != 0
	c.Received = d.flags&flagAckRecv != 0
	c.Bytes = d.readBytes
	d.flags &^= flagAckSend | flagAckRecv
	d.readBytes = 0
	return c, nil
}
