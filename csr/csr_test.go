package csr

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tulip/test"
	"github.com/stretchr/testify/assert"
)

type mapBus struct {
	regs map[Offset]uint32
	err  error
}

func (b *mapBus) Read32(off Offset) (uint32, error) {
	if b.err != nil {
		return 0xdeadbeef, b.err
	}
	return b.regs[off], nil
}

func (b *mapBus) Write32(off Offset, v uint32) error {
	if b.err != nil {
		return b.err
	}
	b.regs[off] = v
	return nil
}

func TestOffset_String(t *testing.T) {
	assert.Equal(t, "CSR0", CSR0.String())
	assert.Equal(t, "CSR9", CSR9.String())
	assert.Equal(t, "CSR15", CSR15.String())
	assert.Equal(t, "0x04", Offset(4).String())
	assert.Equal(t, "0x80", Offset(0x80).String())
}

func TestPort(t *testing.T) {
	bus := &mapBus{regs: map[Offset]uint32{}}
	p := NewPort(bus, test.NewEntry(nil))

	p.Write(CSR6, ModeMBO|ModeFD)
	assert.Equal(t, ModeMBO|ModeFD, p.Read(CSR6))

	p.Set(CSR6, ModeST|ModeSR)
	assert.Equal(t, ModeMBO|ModeFD|ModeST|ModeSR, bus.regs[CSR6])
}

func TestPort_busError(t *testing.T) {
	bus := &mapBus{regs: map[Offset]uint32{CSR5: 7}, err: errors.New("bus fault")}
	l := test.NewLogger()
	p := NewPort(bus, logrus.NewEntry(l))

	// reads come back zero and writes are dropped, neither panics
	assert.Zero(t, p.Read(CSR5))
	p.Write(CSR5, 1)

	bus.err = nil
	assert.Equal(t, uint32(7), p.Read(CSR5))
}

func TestTraced(t *testing.T) {
	bus := &mapBus{regs: map[Offset]uint32{}}

	l := test.NewLogger()
	l.SetLevel(logrus.InfoLevel)
	assert.Same(t, Bus(bus), Traced(bus, logrus.NewEntry(l)))

	l.SetLevel(logrus.TraceLevel)
	tb := Traced(bus, logrus.NewEntry(l))
	assert.NotSame(t, Bus(bus), tb)
	assert.NoError(t, tb.Write32(CSR7, IntTIE))
	v, err := tb.Read32(CSR7)
	assert.NoError(t, err)
	assert.Equal(t, IntTIE, v)
}
