package tulip

import (
	"fmt"

	"github.com/slackhq/tulip/ring"
)

// Receive scatters the next received frame into req. If no frame is waiting the request is parked and
// finished from HandleInterrupt. req must be able to hold a full sized frame.
func (d *Device) Receive(req *Request) (Result, error) {
	if err := d.ready(); err != nil {
		return Result{}, err
	}

	if d.flags&flagReading != 0 {
		return Result{}, d.fail("Receive while another receive is pending", nil, ErrBusy)
	}

	if size := req.Size(); size < MaxFrameSize {
		return Result{}, d.fail("Receive request is too small", map[string]any{"size": size}, ErrBufferTooSmall)
	}

	if d.cfg.Mode == ModeSink {
		// nothing will ever arrive
		return Result{Status: Pending}, nil
	}

	if !frameReady(d.rx.Current()) {
		d.rxReq = req
		d.flags |= flagReading
		return Result{Status: Pending}, nil
	}

	n, err := d.deliver(req)
	if err != nil {
		return Result{}, err
	}

	d.flags &^= flagAckRecv
	d.readBytes = 0
	return Result{Status: Done, Bytes: n}, nil
}

// frameReady reports whether desc holds a complete frame the driver may consume.
func frameReady(desc ring.Descriptor) bool {
	return !desc.Owned() && desc.Status()&(ring.StatusFS|ring.StatusLS) == ring.StatusFS|ring.StatusLS
}

// deliver copies the frame in the current receive descriptor to req and gives the descriptor back.
func (d *Device) deliver(req *Request) (int, error) {
	idx := d.rx.Cursor()
	desc := d.rx.Current()
	status := desc.Status()
	buf := d.rx.Buffer(idx)

	n := desc.FrameLength()
	if status&(ring.StatusES|ring.StatusRE) != 0 || n > len(buf) {
		d.stats.receiveError()
		return 0, d.fail("Receive descriptor reported an error", map[string]any{
			"descriptor": idx,
			"status":     fmt.Sprintf("%#08x", status),
		}, ErrDescriptorError)
	}

	// some hosts hand over frames shorter than the ethernet minimum
	if n < MinFrameSize {
		clear(buf[n:MinFrameSize])
		n = MinFrameSize
	}

	if err := req.scatter(buf[:n]); err != nil {
		return 0, d.fail("Failed to copy the frame to the request", map[string]any{"descriptor": idx, "size": n}, fmt.Errorf("%w: %w", ErrCopy, err))
	}
	frameTrace(d.l, "Received frame", buf[:n])

	desc.SetStatus(ring.StatusOwn)
	d.rx.Advance()

	d.stats.received(n)
	d.readBytes = n
	d.flags |= flagAckRecv
	d.flags &^= flagReading
	return n, nil
}

// resumeReceive retries the parked receive after the device reported a received frame.
func (d *Device) resumeReceive() error {
	if !frameReady(d.rx.Current()) {
		if d.cfg.StrictInterrupts {
			return d.fail("Receive interrupt without a frame", map[string]any{"descriptor": d.rx.Cursor()}, ErrSpuriousInterrupt)
		}
		return nil
	}

	if _, err := d.deliver(d.rxReq); err != nil {
		return err
	}
	d.rxReq = nil
	return nil
}
