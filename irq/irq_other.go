//go:build !linux

package irq

import "errors"

// NewEventLine falls back to an in process line where eventfd is not available.
func NewEventLine() (*ChanLine, error) {
	return NewChanLine(), nil
}

type UIOLine struct{ ChanLine }

func OpenUIO(path string) (*UIOLine, error) {
	return nil, errors.New("uio interrupts are only supported on linux")
}
