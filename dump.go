package tulip

import (
	"fmt"
	"io"
	"net"
)

// Dump is a point in time view of a device for the debug console.
type Dump struct {
	Port         int              `json:"port"`
	Name         string           `json:"name"`
	Mode         string           `json:"mode"`
	HardwareAddr net.HardwareAddr `json:"hwaddr"`
	Stats        Stats            `json:"stats"`
	Error        string           `json:"error,omitempty"`

	ReceiveCursor  int      `json:"rxCursor"`
	TransmitCursor int      `json:"txCursor"`
	Receive        []string `json:"rxRing,omitempty"`
	Transmit       []string `json:"txRing,omitempty"`
	Reading        bool     `json:"reading"`
	Sending        bool     `json:"sending"`
}

func (d *Device) Dump() Dump {
	out := Dump{
		Port:         d.cfg.Port,
		Name:         d.cfg.Name,
		Mode:         d.cfg.Mode.String(),
		HardwareAddr: d.mac,
		Stats:        d.Stats(),
	}
	if d.failed != nil {
		out.Error = d.failed.Error()
	}
	out.Reading, out.Sending = d.Pending()

	if d.rx != nil {
		out.ReceiveCursor = d.rx.Cursor()
		for i := range d.rx.Capacity() {
			out.Receive = append(out.Receive, d.rx.At(i).String())
		}
	}
	if d.tx != nil {
		out.TransmitCursor = d.tx.Cursor()
		for i := range d.tx.Capacity() {
			out.Transmit = append(out.Transmit, d.tx.At(i).String())
		}
	}
	return out
}

// WriteStats prints the counters the way the debug key on the console used to.
func (d Dump) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "%s (%s) hwaddr %s\n", d.Name, d.Mode, d.HardwareAddr)
	fmt.Fprintf(w, "  Tx: %d packets, %d kb, %d errors, %d deferred\n",
		d.Stats.PacketsSent, d.Stats.BytesSent/1024, d.Stats.SendErrors, d.Stats.DeferredTransmits)
	fmt.Fprintf(w, "  Rx: %d packets, %d kb, %d errors\n",
		d.Stats.PacketsReceived, d.Stats.BytesReceived/1024, d.Stats.ReceiveErrors)
	if d.Error != "" {
		fmt.Fprintf(w, "  failed: %s\n", d.Error)
	}
}

// WriteRings prints every descriptor, marking the driver's position in each ring.
func (d Dump) WriteRings(w io.Writer) {
	write := func(dir string, cursor int, descs []string) {
		fmt.Fprintf(w, "%s %s ring:\n", d.Name, dir)
		for i, s := range descs {
			mark := " "
			if i == cursor {
				mark = ">"
			}
			fmt.Fprintf(w, "  %s%3d %s\n", mark, i, s)
		}
	}
	write("receive", d.ReceiveCursor, d.Receive)
	write("transmit", d.TransmitCursor, d.Transmit)
}
