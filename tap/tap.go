// Package tap connects a driver port to the host network stack through a layer 2 tap interface.
package tap

import (
	"io"
	"net"
)

type Config struct {
	Name         string
	MTU          int
	HardwareAddr net.HardwareAddr
	// Cidr is an optional address to assign to the interface, ie: 10.0.0.1/24
	Cidr *net.IPNet
}

// Device is an ethernet tap. Every Read returns one whole frame and every Write sends one.
type Device interface {
	io.ReadWriteCloser
	Name() string
}
