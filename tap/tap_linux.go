//go:build linux

package tap

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type tap struct {
	*os.File
	name string
}

func (t *tap) Name() string {
	return t.name
}

// Open creates or attaches to the tap named in c and brings it up.
func Open(l *logrus.Logger, c Config) (Device, error) {
	fd, err := unix.Open("/dev/net/tun", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	ifr, err := unix.NewIfreq(c.Name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create tap device %s: %w", c.Name, err)
	}

	// non blocking so Close interrupts a pending Read
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	t := &tap{File: os.NewFile(uintptr(fd), "/dev/net/tun"), name: ifr.Name()}
	if err = t.activate(l, c); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *tap) activate(l *logrus.Logger, c Config) error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("failed to get tap device link: %s", err)
	}

	if c.MTU > 0 {
		if err = netlink.LinkSetMTU(link, c.MTU); err != nil {
			// the frames we move are capped by the driver anyway
			l.WithError(err).WithField("mtu", c.MTU).Error("Failed to set tap mtu")
		}
	}

	if len(c.HardwareAddr) > 0 {
		if err = netlink.LinkSetHardwareAddr(link, c.HardwareAddr); err != nil {
			return fmt.Errorf("failed to set tap hardware address %s: %s", c.HardwareAddr, err)
		}
	}

	if c.Cidr != nil {
		if err = netlink.AddrReplace(link, &netlink.Addr{IPNet: c.Cidr}); err != nil {
			return fmt.Errorf("failed to set tap address %s: %s", c.Cidr, err)
		}
	}

	if err = netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring the tap device up: %s", err)
	}

	l.WithField("tap", t.name).WithField("hwaddr", c.HardwareAddr).Info("Tap device is up")
	return nil
}
