package tulip

import (
	"errors"

	"github.com/slackhq/tulip/ring"
	"github.com/slackhq/tulip/util"
)

// Configuration errors, returned by Configure and NewDriver.
var (
	ErrUnsupportedDevice = errors.New("unsupported device revision")
	ErrBadBaseAddress    = errors.New("base address is below the minimum i/o address")
	ErrBadPort           = errors.New("no such port")
	ErrDisabled          = errors.New("device is disabled")
	ErrNotConfigured     = errors.New("device has not been configured")
	ErrMisaligned        = ring.ErrMisaligned
)

// Protocol errors, the caller broke the one request per direction contract or sent a bad frame.
var (
	ErrBusy              = errors.New("a request is already pending in this direction")
	ErrFrameSize         = errors.New("frame size is outside of the ethernet limits")
	ErrBufferTooSmall    = errors.New("receive request cannot hold a full sized frame")
	ErrSpuriousInterrupt = errors.New("device interrupted but the pending request cannot progress")
)

// ErrStopped is returned by Driver methods once Run has returned.
var ErrStopped = errors.New("driver is stopped")

// ErrCopy is returned when moving frame data to or from the caller's address space fails.
var ErrCopy = errors.New("copy between request and dma buffer failed")

// Device errors. The hardware reported something the driver does not recover from.
var (
	ErrDescriptorError   = errors.New("receive descriptor reported an error")
	ErrAbnormalInterrupt = errors.New("abnormal interrupt")
)

// fail records err as the device's terminal state. Every later call on the device returns the same error.
func (d *Device) fail(msg string, fields map[string]any, err error) error {
	f := map[string]any{"port": d.cfg.Port, "name": d.cfg.Name}
	for k, v := range fields {
		f[k] = v
	}
	d.failed = util.NewContextualError(msg, f, err)
	return d.failed
}
