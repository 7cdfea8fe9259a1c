package tulip

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Stats is a snapshot of a device's counters.
type Stats struct {
	PacketsSent       uint64 `json:"packetsSent"`
	PacketsReceived   uint64 `json:"packetsReceived"`
	BytesSent         uint64 `json:"bytesSent"`
	BytesReceived     uint64 `json:"bytesReceived"`
	SendErrors        uint64 `json:"sendErrors"`
	ReceiveErrors     uint64 `json:"receiveErrors"`
	DeferredTransmits uint64 `json:"deferredTransmits"`
}

// counters keeps the snapshot and mirrors every change into the metrics registry.
type counters struct {
	Stats

	packetsSent       metrics.Counter
	packetsReceived   metrics.Counter
	bytesSent         metrics.Counter
	bytesReceived     metrics.Counter
	sendErrors        metrics.Counter
	receiveErrors     metrics.Counter
	deferredTransmits metrics.Counter
}

func newCounters(port int, r metrics.Registry) *counters {
	c := &counters{}
	if r == nil {
		nc := &metrics.NilCounter{}
		c.packetsSent, c.packetsReceived = nc, nc
		c.bytesSent, c.bytesReceived = nc, nc
		c.sendErrors, c.receiveErrors = nc, nc
		c.deferredTransmits = nc
		return c
	}

	name := func(s string) string { return fmt.Sprintf("device.eth%d.%s", port, s) }
	c.packetsSent = metrics.GetOrRegisterCounter(name("tx.packets"), r)
	c.packetsReceived = metrics.GetOrRegisterCounter(name("rx.packets"), r)
	c.bytesSent = metrics.GetOrRegisterCounter(name("tx.bytes"), r)
	c.bytesReceived = metrics.GetOrRegisterCounter(name("rx.bytes"), r)
	c.sendErrors = metrics.GetOrRegisterCounter(name("tx.errors"), r)
	c.receiveErrors = metrics.GetOrRegisterCounter(name("rx.errors"), r)
	c.deferredTransmits = metrics.GetOrRegisterCounter(name("tx.deferred"), r)
	return c
}

func (c *counters) sent(n int) {
	c.PacketsSent++
	c.BytesSent += uint64(n)
	c.packetsSent.Inc(1)
	c.bytesSent.Inc(int64(n))
}

func (c *counters) received(n int) {
	c.PacketsReceived++
	c.BytesReceived += uint64(n)
	c.packetsReceived.Inc(1)
	c.bytesReceived.Inc(int64(n))
}

func (c *counters) sendError() {
	c.SendErrors++
	c.sendErrors.Inc(1)
}

func (c *counters) receiveError() {
	c.ReceiveErrors++
	c.receiveErrors.Inc(1)
}

func (c *counters) deferred() {
	c.DeferredTransmits++
	c.deferredTransmits.Inc(1)
}
