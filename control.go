package tulip

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/sshd"
	"github.com/slackhq/tulip/tap"
	"golang.org/x/sync/errgroup"
)

// Control is the running driver as seen from a main package.
type Control struct {
	l       *logrus.Logger
	driver  *Driver
	taps    tapConfig
	closers []io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	ssh        *sshd.SSHServer
	sshStart   func()
	statsStart func()

	// openTap is swapped out in tests
	openTap func(*logrus.Logger, tap.Config) (tap.Device, error)
}

// Context is done once the driver has been told to stop.
func (c *Control) Context() context.Context {
	return c.ctx
}

// Driver is the serialized entry point to the devices, for embedding programs.
func (c *Control) Driver() *Driver {
	return c.driver
}

// Start configures every port that is not disabled, starts the interrupt loop and the tap bridges.
// This is a nonblocking call, to block use Control.ShutdownBlock()
func (c *Control) Start() error {
	eg, ctx := errgroup.WithContext(c.ctx)
	c.done = make(chan struct{})

	eg.Go(func() error {
		return c.driver.Run(ctx)
	})

	go func() {
		c.err = eg.Wait()
		close(c.done)
	}()

	for port := range c.driver.Ports() {
		dev, _ := c.driver.device(port)
		if dev.Mode() == ModeDisabled {
			c.l.WithField("port", port).Info("Device is disabled")
			continue
		}

		mac, ports, err := c.driver.Configure(ctx, port)
		if err != nil {
			c.Stop()
			return err
		}
		c.l.WithField("port", port).WithField("hwaddr", mac).WithField("ports", ports).Debug("Port is ready")

		if !c.taps.enabled {
			continue
		}

		open := c.openTap
		if open == nil {
			open = tap.Open
		}
		t, err := open(c.l, c.taps.config(port, mac))
		if err != nil {
			c.Stop()
			return err
		}

		b := newBridge(c.l, c.driver, port, t)
		eg.Go(func() error {
			return b.run(ctx)
		})
	}

	// Call all the delayed funcs that waited patiently for the devices to come up.
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	return nil
}

// Stop signals the driver to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	if c.l.IsLevelEnabled(logrus.DebugLevel) && c.done != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		dumps, err := c.driver.Dump(ctx)
		cancel()
		if err == nil {
			for _, d := range dumps {
				c.l.WithField("dump", d).Debug("Final device state")
			}
		}
	}

	c.cancel()
	if c.done != nil {
		<-c.done
		if c.err != nil {
			c.l.WithError(c.err).Error("Driver stopped with an error")
		}
	}

	if c.ssh != nil {
		c.ssh.Stop()
	}
	closeAll(c.l, c.closers)
	c.closers = nil
	c.l.Info("Goodbye")
}

// Err is the error the driver stopped with, nil after a clean shutdown. It is only meaningful once Stop has returned.
func (c *Control) Err() error {
	return c.err
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled.
// A driver that stops on its own, a bridge failure for example, also ends the wait.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		c.l.Info("Driver stopped, shutting down")
	}
	c.Stop()
}
