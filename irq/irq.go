// Package irq delivers device interrupts to the driver's event loop.
package irq

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("interrupt line closed")

// Line is one interrupt source. Wait blocks until the device raises the line or the line is closed.
// Enable re-arms the line after the driver has serviced the device.
type Line interface {
	Wait() error
	Enable() error
	Close() error
}

// Raiser is the device side of a line.
type Raiser interface {
	Raise() error
}

// ChanLine is an in process line. Raises coalesce while the line is pending, the same way a level
// triggered interrupt stays asserted until it is serviced.
type ChanLine struct {
	pending chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	enables int
}

func NewChanLine() *ChanLine {
	return &ChanLine{
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *ChanLine) Raise() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.pending <- struct{}{}:
	default:
	}
	return nil
}

func (c *ChanLine) Wait() error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.pending:
		return nil
	}
}

// Pending reports, without blocking, whether the line is raised and consumes the raise if so.
func (c *ChanLine) Pending() bool {
	select {
	case <-c.pending:
		return true
	default:
		return false
	}
}

func (c *ChanLine) Enable() error {
	c.mu.Lock()
	c.enables++
	c.mu.Unlock()
	return nil
}

// Enables is the number of times the line has been re-armed.
func (c *ChanLine) Enables() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enables
}

func (c *ChanLine) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
