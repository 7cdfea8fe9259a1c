package tulip

import (
	"fmt"

	"github.com/slackhq/tulip/csr"
	"github.com/slackhq/tulip/ring"
)

// Transmit queues one frame gathered from req. When the next transmit descriptor still belongs to the device
// the request is parked and finished from HandleInterrupt, the Pending result tells the caller to wait for it.
func (d *Device) Transmit(req *Request) (Result, error) {
	if err := d.ready(); err != nil {
		return Result{}, err
	}

	if d.flags&flagSending != 0 {
		return Result{}, d.fail("Transmit while another transmit is pending", nil, ErrBusy)
	}

	size := req.Size()
	if d.cfg.Mode == ModeSink {
		d.stats.sent(size)
		return Result{Status: Done, Bytes: size}, nil
	}

	if size < MinFrameSize || size > MaxFrameSize {
		d.stats.sendError()
		return Result{}, d.fail("Invalid frame size", map[string]any{"size": size}, ErrFrameSize)
	}

	if d.tx.Current().Owned() {
		d.txReq = req
		d.flags |= flagSending
		d.stats.deferred()
		d.l.WithField("descriptor", d.tx.Cursor()).Debug("Transmit ring full, deferring")
		return Result{Status: Pending}, nil
	}

	if err := d.submit(req, size); err != nil {
		return Result{}, err
	}

	// the caller learns of this completion from the result
	d.flags &^= flagAckSend
	return Result{Status: Done, Bytes: size}, nil
}

// submit copies the frame into the current transmit descriptor and hands it to the device.
func (d *Device) submit(req *Request, size int) error {
	idx := d.tx.Cursor()
	if !d.setupDone && idx == 0 {
		// the setup frame is done with descriptor 0 by now
		d.tx.At(0).SetStatus(0)
		d.setupDone = true
	}

	desc := d.tx.Current()
	if err := req.gather(d.tx.Buffer(idx)[:size]); err != nil {
		return d.fail("Failed to copy the frame from the request", map[string]any{"descriptor": idx, "size": size}, fmt.Errorf("%w: %w", ErrCopy, err))
	}

	frameTrace(d.l, "Transmitting frame", d.tx.Buffer(idx)[:size])

	desc.SetControl(desc.Control()&ring.ControlER | ring.ControlFS | ring.ControlLS | ring.ControlIC | uint32(size))
	desc.SetStatus(ring.StatusOwn)
	d.tx.Advance()

	d.regs.Write(csr.CSR1, csr.PollDemand)

	d.stats.sent(size)
	d.flags |= flagAckSend
	return nil
}

// resumeTransmit retries the parked transmit after the device reported progress on the transmit ring.
func (d *Device) resumeTransmit() error {
	if d.tx.Current().Owned() {
		if d.cfg.StrictInterrupts {
			return d.fail("Transmit interrupt without a free descriptor", map[string]any{"descriptor": d.tx.Cursor()}, ErrSpuriousInterrupt)
		}
		return nil
	}

	req := d.txReq
	if err := d.submit(req, req.Size()); err != nil {
		return err
	}

	d.txReq = nil
	d.flags &^= flagSending
	return nil
}
