package tulip

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/util"
	"golang.org/x/sync/errgroup"
)

// bridge moves frames between a host side ethernet device, normally a tap, and one driver port.
// It keeps at most one transmit and one receive outstanding.
type bridge struct {
	l    *logrus.Entry
	drv  *Driver
	port int
	dev  io.ReadWriteCloser

	sent     chan struct{}
	received chan int
}

func newBridge(l *logrus.Logger, drv *Driver, port int, dev io.ReadWriteCloser) *bridge {
	b := &bridge{
		l:        l.WithField("port", port),
		drv:      drv,
		port:     port,
		dev:      dev,
		sent:     make(chan struct{}, 1),
		received: make(chan int, 1),
	}
	drv.OnCompletion(b.complete)
	return b
}

// complete runs on the driver goroutine. Only one request per direction is ever outstanding so the
// sends never block.
func (b *bridge) complete(c Completion) {
	if c.Port != b.port {
		return
	}
	if c.Sent {
		select {
		case b.sent <- struct{}{}:
		default:
		}
	}
	if c.Received {
		select {
		case b.received <- c.Bytes:
		default:
		}
	}
}

func (b *bridge) run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return b.dev.Close()
	})
	eg.Go(func() error { return b.outbound(ctx) })
	eg.Go(func() error { return b.inbound(ctx) })
	return eg.Wait()
}

// outbound reads frames from the host and transmits them.
func (b *bridge) outbound(ctx context.Context) error {
	buf := make([]byte, 2*MaxFrameSize)
	for {
		n, err := b.dev.Read(buf)
		if err != nil {
			return b.stopped(ctx, "Failed to read from the host device", err)
		}

		if n > MaxFrameSize {
			b.l.WithField("size", n).Debug("Dropping oversized frame from the host")
			continue
		}
		if n < MinFrameSize {
			clear(buf[n:MinFrameSize])
			n = MinFrameSize
		}

		r, err := b.drv.Transmit(ctx, b.port, NewRequest(buf[:n]))
		if err != nil {
			return b.stopped(ctx, "Transmit failed", err)
		}
		if r.Status == Done {
			continue
		}

		// the frame is still being read out of buf
		select {
		case <-b.sent:
		case <-ctx.Done():
			return nil
		}
	}
}

// inbound receives frames from the driver and writes them to the host.
func (b *bridge) inbound(ctx context.Context) error {
	buf := make([]byte, MaxFrameSize)
	for {
		r, err := b.drv.Receive(ctx, b.port, NewRequest(buf))
		if err != nil {
			return b.stopped(ctx, "Receive failed", err)
		}

		n := r.Bytes
		if r.Status == Pending {
			select {
			case n = <-b.received:
			case <-ctx.Done():
				return nil
			}
		}

		if _, err := b.dev.Write(buf[:n]); err != nil {
			return b.stopped(ctx, "Failed to write to the host device", err)
		}
	}
}

// stopped logs err unless the bridge is shutting down. Any other error ends the bridge and with it the process.
func (b *bridge) stopped(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrStopped) {
		return nil
	}
	util.LogWithContextIfNeeded(msg, err, b.l)
	return err
}
