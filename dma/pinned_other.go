//go:build !linux

package dma

import "errors"

type PinnedArena struct{}

func NewPinnedArena(size int) (*PinnedArena, error) {
	return nil, errors.New("pinned dma memory is only supported on linux")
}

func (a *PinnedArena) Alloc(size, align int) (Region, error) {
	return Region{}, errors.ErrUnsupported
}

func (a *PinnedArena) Close() error { return nil }
