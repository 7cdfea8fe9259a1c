package tulip

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/config"
	"github.com/slackhq/tulip/csr"
	"github.com/slackhq/tulip/dma"
	"github.com/slackhq/tulip/irq"
	"github.com/slackhq/tulip/sim"
	"github.com/slackhq/tulip/sshd"
	"github.com/slackhq/tulip/tap"
	"github.com/slackhq/tulip/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

const (
	backendPort      = "port"
	backendSimulator = "simulator"
)

// simulatedOUI prefixes the serial rom address of simulated adapters.
var simulatedOUI = []byte{0x08, 0x00, 0x2b}

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if c.HasChanged("devices") || c.HasChanged("rings") || c.HasChanged("backend") {
			l.Warn("Device, ring and backend changes take effect on the next restart")
		}
		if !c.HasChanged("logging") {
			return
		}
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	cfgs, err := parseDevices(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the device list", err)
	}

	backend := c.GetString("backend", backendPort)
	if backend != backendPort && backend != backendSimulator {
		return nil, util.NewContextualError("Unknown backend", m{"backend": backend}, nil)
	}

	taps, err := parseTap(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the tap config", err)
	}

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"))
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Error while creating SSH server", err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			return nil, util.ContextualizeIfNeeded("Error while configuring the sshd", err)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	var closers []io.Closer
	for i := range cfgs {
		if cfgs[i].Mode != ModeEnabled {
			continue
		}

		var cl []io.Closer
		if backend == backendSimulator {
			cl, err = attachSimulator(l, c, &cfgs[i])
		} else {
			cl, err = attachHardware(c, &cfgs[i])
		}
		closers = append(closers, cl...)
		if err != nil {
			closeAll(l, closers)
			return nil, util.NewContextualError("Failed to attach device", m{"port": i, "backend": backend}, err)
		}
	}

	devices := make([]*Device, len(cfgs))
	for i, cfg := range cfgs {
		devices[i] = NewDevice(cfg, l)
	}
	drv := NewDriver(l, devices)
	attachCommands(l, c, ssh, drv, buildVersion)

	ctx, cancel := context.WithCancel(context.Background())
	return &Control{
		l:          l,
		driver:     drv,
		taps:       taps,
		ctx:        ctx,
		cancel:     cancel,
		closers:    closers,
		ssh:        ssh,
		sshStart:   sshStart,
		statsStart: statsStart,
	}, nil
}

// parseDevices builds one DeviceConfig per entry in devices, applying the ring and reset settings shared by
// every port.
func parseDevices(c *config.C) ([]DeviceConfig, error) {
	raw := c.GetMapSlice("devices")
	if len(raw) == 0 {
		return nil, fmt.Errorf("devices must list at least one device")
	}

	rx := c.GetInt("rings.receive", DefaultDescriptors)
	tx := c.GetInt("rings.transmit", DefaultDescriptors)
	bufSize := c.GetInt("rings.buffer_size", DefaultBufferSize)
	if rx < 1 || tx < 1 {
		return nil, fmt.Errorf("rings.receive and rings.transmit must be at least 1")
	}
	if bufSize < MaxFrameSize {
		return nil, fmt.Errorf("rings.buffer_size %d can not hold a %d byte frame", bufSize, MaxFrameSize)
	}

	resetDelay := c.GetDuration("reset_delay", DefaultResetDelay)
	strict := c.GetBool("strict_interrupts", false)

	out := make([]DeviceConfig, 0, len(raw))
	for i, d := range raw {
		mode, err := ParseMode(fmt.Sprint(valueOr(d["mode"], "enabled")))
		if err != nil {
			return nil, fmt.Errorf("devices[%d].mode: %w", i, err)
		}

		cfg := DeviceConfig{
			Port:                i,
			Mode:                mode,
			Revision:            SupportedRevision,
			ReceiveDescriptors:  rx,
			TransmitDescriptors: tx,
			BufferSize:          bufSize,
			ResetDelay:          resetDelay,
			StrictInterrupts:    strict,
			Metrics:             metrics.DefaultRegistry,
		}

		if name, ok := d["name"].(string); ok {
			cfg.Name = name
		}

		if v, ok := d["base"]; ok {
			base, ok := config.AsInt(v)
			if !ok || base < 0 || base > 0xffff {
				return nil, fmt.Errorf("devices[%d].base was not understood: %v", i, v)
			}
			cfg.Base = uint16(base)
		} else if mode == ModeEnabled {
			return nil, fmt.Errorf("devices[%d].base must be provided", i)
		}

		if v, ok := d["irq"]; ok {
			n, ok := config.AsInt(v)
			if !ok || n < 0 {
				return nil, fmt.Errorf("devices[%d].irq was not understood: %v", i, v)
			}
			cfg.IRQ = n
		}

		if v, ok := d["revision"]; ok {
			rev, ok := config.AsInt(v)
			if !ok || rev < 0 || rev > 0xff {
				return nil, fmt.Errorf("devices[%d].revision was not understood: %v", i, v)
			}
			cfg.Revision = uint8(rev)
		}

		mac, err := config.AsHardwareAddr(d["mac"])
		if err != nil {
			return nil, fmt.Errorf("devices[%d].mac: %w", i, err)
		}
		cfg.HardwareAddr = mac

		out = append(out, cfg)
	}

	return out, nil
}

func valueOr(v any, d any) any {
	if v == nil {
		return d
	}
	return v
}

// arenaSize is enough pinned memory for both rings of a device when no buffer may straddle a page.
func arenaSize(cfg *DeviceConfig) int {
	page := os.Getpagesize()
	perPage := max(page/cfg.BufferSize, 1)
	buffers := cfg.ReceiveDescriptors + cfg.TransmitDescriptors
	return (buffers/perPage + 3) * page
}

func attachHardware(c *config.C, cfg *DeviceConfig) ([]io.Closer, error) {
	var closers []io.Closer

	if cfg.Base < MinBaseAddress {
		// let Configure report it the way it reports every other probe failure
		return nil, nil
	}

	bus, err := csr.OpenPortIO(cfg.Base)
	if err != nil {
		return closers, fmt.Errorf("failed to open the register window: %w", err)
	}
	closers = append(closers, bus)
	cfg.Bus = bus

	arena, err := dma.NewPinnedArena(arenaSize(cfg))
	if err != nil {
		return closers, fmt.Errorf("failed to allocate dma memory: %w", err)
	}
	closers = append(closers, arena)
	cfg.Allocator = arena

	uio := uioPath(c, cfg.Port)
	line, err := irq.OpenUIO(uio)
	if err != nil {
		return closers, fmt.Errorf("failed to open interrupt source %s: %w", uio, err)
	}
	cfg.Line = line

	return closers, nil
}

// uioPath finds the uio node for port, devices[port].uio or /dev/uio<port>.
func uioPath(c *config.C, port int) string {
	raw := c.GetMapSlice("devices")
	if port < len(raw) {
		if p, ok := raw[port]["uio"].(string); ok && p != "" {
			return p
		}
	}
	return fmt.Sprintf("/dev/uio%d", port)
}

func attachSimulator(l *logrus.Logger, c *config.C, cfg *DeviceConfig) ([]io.Closer, error) {
	line, err := irq.NewEventLine()
	if err != nil {
		return nil, err
	}

	// every simulated device gets its own bus address range
	arena := dma.NewArena(arenaSize(cfg), uint32(cfg.Port+1)<<24)

	mac := append(net.HardwareAddr(nil), simulatedOUI...)
	mac = append(mac, 0x21, 0x40, byte(cfg.Port))

	cfg.Bus = sim.New(sim.Config{
		MAC:      mac,
		Memory:   arena,
		Raiser:   line,
		Loopback: c.GetBool("simulator.loopback", false),
		Logger:   l.WithField("simulator", cfg.Port),
	})
	cfg.Allocator = arena
	cfg.Line = line

	return nil, nil
}

type tapConfig struct {
	enabled bool
	name    string
	mtu     int
	// port -> address for the host side of that port's tap
	cidrs map[int]*net.IPNet
}

func parseTap(c *config.C) (tapConfig, error) {
	t := tapConfig{
		enabled: c.GetBool("tap.enabled", false),
		name:    c.GetString("tap.dev", "tulip%d"),
		mtu:     c.GetInt("tap.mtu", MaxFrameSize-14),
		cidrs:   make(map[int]*net.IPNet),
	}

	if !strings.Contains(t.name, "%d") {
		t.name += "%d"
	}

	for i, d := range c.GetMapSlice("devices") {
		s, ok := d["cidr"].(string)
		if !ok || s == "" {
			continue
		}
		ip, n, err := net.ParseCIDR(s)
		if err != nil {
			return t, fmt.Errorf("devices[%d].cidr: %w", i, err)
		}
		n.IP = ip
		t.cidrs[i] = n
	}
	return t, nil
}

func (t tapConfig) config(port int, mac net.HardwareAddr) tap.Config {
	return tap.Config{
		Name:         fmt.Sprintf(t.name, port),
		MTU:          t.mtu,
		HardwareAddr: mac,
		Cidr:         t.cidrs[port],
	}
}

func closeAll(l *logrus.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			l.WithError(err).Warn("Failed to release device resource")
		}
	}
}
