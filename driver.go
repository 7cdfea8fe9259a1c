package tulip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/irq"
	"github.com/slackhq/tulip/util"
	"golang.org/x/sync/errgroup"
)

// Driver owns a set of devices and serializes every operation on them through a single goroutine, Run.
// Device methods are not safe for concurrent use; Driver methods are.
type Driver struct {
	l       *logrus.Logger
	devices []*Device

	ops  chan func()
	irqs chan int

	mu           sync.Mutex
	onCompletion []func(Completion)

	running chan struct{}
	stopped chan struct{}
}

func NewDriver(l *logrus.Logger, devices []*Device) *Driver {
	return &Driver{
		l:       l,
		devices: devices,
		ops:     make(chan func()),
		irqs:    make(chan int, len(devices)),
		running: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Ports is the number of devices, disabled ones included.
func (d *Driver) Ports() int {
	return len(d.devices)
}

// OnCompletion registers f to be called with every non empty interrupt completion. f runs on the driver
// goroutine and must not call back into the Driver.
func (d *Driver) OnCompletion(f func(Completion)) {
	d.mu.Lock()
	d.onCompletion = append(d.onCompletion, f)
	d.mu.Unlock()
}

func (d *Driver) device(port int) (*Device, error) {
	if port < 0 || port >= len(d.devices) {
		return nil, fmt.Errorf("port %d of %d: %w", port, len(d.devices), ErrBadPort)
	}
	return d.devices[port], nil
}

// do runs fn on the driver goroutine and waits for it to finish.
func (d *Driver) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}

	select {
	case d.ops <- op:
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// once accepted the op always runs
	<-done
	return nil
}

// Configure brings up the device on port and returns its hardware address and the number of ports.
func (d *Driver) Configure(ctx context.Context, port int) (net.HardwareAddr, int, error) {
	dev, err := d.device(port)
	if err != nil {
		return nil, 0, err
	}

	var mac net.HardwareAddr
	if err := d.do(ctx, func() { mac, err = dev.Configure() }); err != nil {
		return nil, 0, err
	}
	return mac, len(d.devices), err
}

func (d *Driver) Transmit(ctx context.Context, port int, req *Request) (Result, error) {
	dev, err := d.device(port)
	if err != nil {
		return Result{}, err
	}

	var r Result
	if err := d.do(ctx, func() { r, err = dev.Transmit(req) }); err != nil {
		return Result{}, err
	}
	return r, err
}

func (d *Driver) Receive(ctx context.Context, port int, req *Request) (Result, error) {
	dev, err := d.device(port)
	if err != nil {
		return Result{}, err
	}

	var r Result
	if err := d.do(ctx, func() { r, err = dev.Receive(req) }); err != nil {
		return Result{}, err
	}
	return r, err
}

func (d *Driver) Stats(ctx context.Context, port int) (Stats, error) {
	dev, err := d.device(port)
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	if err := d.do(ctx, func() { s = dev.Stats() }); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// Dump snapshots every device.
func (d *Driver) Dump(ctx context.Context) ([]Dump, error) {
	out := make([]Dump, 0, len(d.devices))
	err := d.do(ctx, func() {
		for _, dev := range d.devices {
			out = append(out, dev.Dump())
		}
	})
	return out, err
}

// Run services requests and interrupts until ctx is done or a device fails while handling an interrupt,
// in which case that error is returned. Interrupt lines are closed on the way out.
func (d *Driver) Run(ctx context.Context) error {
	close(d.running)
	defer close(d.stopped)

	eg, ctx := errgroup.WithContext(ctx)

	var lines []irq.Line
	for _, dev := range d.devices {
		line := dev.Line()
		if line == nil {
			continue
		}
		lines = append(lines, line)

		port := dev.Port()
		eg.Go(func() error {
			return d.waitLine(ctx, port, line)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		for _, line := range lines {
			if err := line.Close(); err != nil {
				d.l.WithError(err).Warn("Failed to close interrupt line")
			}
		}
		return nil
	})

	eg.Go(func() error {
		return d.loop(ctx)
	})

	return eg.Wait()
}

func (d *Driver) waitLine(ctx context.Context, port int, line irq.Line) error {
	for {
		if err := line.Wait(); err != nil {
			if errors.Is(err, irq.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("port %d interrupt line: %w", port, err)
		}

		select {
		case d.irqs <- port:
		case <-ctx.Done():
			return nil
		}
	}
}

// loop returns the first error raised while handling an interrupt. The device is dead at that point
// and so is the driver.
func (d *Driver) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-d.ops:
			op()
		case port := <-d.irqs:
			if err := d.interrupt(port); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) interrupt(port int) error {
	dev := d.devices[port]
	c, err := dev.HandleInterrupt()
	if err != nil {
		util.LogWithContextIfNeeded("Interrupt handling failed, stopping the driver", err, d.l)
		return fmt.Errorf("port %d: %w", port, err)
	}
	if c.Empty() {
		return nil
	}

	d.mu.Lock()
	cbs := d.onCompletion
	d.mu.Unlock()
	for _, f := range cbs {
		f(c)
	}
	return nil
}
