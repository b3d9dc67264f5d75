package sim

import (
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/pkg/errors"
)

// lfsrTaps maps a register width to a maximal-length Galois tap mask.
var lfsrTaps = map[uint]uint64{
	3: 0x6,  // x^3 + x^2 + 1
	4: 0xC,  // x^4 + x^3 + 1
	5: 0x14, // x^5 + x^3 + 1
	6: 0x30, // x^6 + x^5 + 1
	7: 0x60, // x^7 + x^6 + 1
	8: 0xB8, // x^8 + x^6 + x^5 + x^4 + 1
}

const lfsrSeed = 1

func mask(width uint) uint64 {
	if width >= domain.MaxWidth {
		return ^uint64(0)
	}
	return 1<<width - 1
}

// inverter: data_out = ^data_in, combinational.
func newInverter(width uint) (*domain.PortSet, *Circuit, error) {
	ps, err := domain.NewPortSet(
		domain.UintPort("data_in", domain.In, width),
		domain.UintPort("data_out", domain.Out, width),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "inverter")
	}

	c := NewCircuit()
	in, out := c.Net("data_in"), c.Net("data_out")
	m := mask(width)
	c.Add(func(c *Circuit) { c.Set(out, ^c.Get(in)&m) })
	return ps, c, nil
}

// counter: up-counter with synchronous active-high reset and count enable,
// clocked on the rising edge of clock.
func newCounter(width uint) (*domain.PortSet, *Circuit, error) {
	ps, err := domain.NewPortSet(
		domain.BoolPort("clock", domain.In),
		domain.BoolPort("reset", domain.In),
		domain.BoolPort("enable", domain.In),
		domain.UintPort("counter_out", domain.Out, width),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "counter")
	}

	c := NewCircuit()
	clk, rst, en := c.Net("clock"), c.Net("reset"), c.Net("enable")
	out, prev := c.Net("counter_out"), c.Net("clock.prev")
	m := mask(width)
	c.Add(
		func(c *Circuit) {
			cnt := c.Get(out)
			if c.GetBool(clk) && !c.GetBool(prev) {
				switch {
				case c.GetBool(rst):
					cnt = 0
				case c.GetBool(en):
					cnt = (cnt + 1) & m
				}
			}
			c.Set(out, cnt)
		},
		func(c *Circuit) { c.Set(prev, c.Get(clk)) },
	)
	return ps, c, nil
}

// lfsr: Galois LFSR clocked on the rising edge, synchronous reset to the seed.
func newLFSR(width uint) (*domain.PortSet, *Circuit, error) {
	taps, ok := lfsrTaps[width]
	if !ok {
		return nil, nil, errors.Errorf("lfsr: no tap table for width %d (supported: 3..8)", width)
	}
	ps, err := domain.NewPortSet(
		domain.BoolPort("clock", domain.In),
		domain.BoolPort("reset", domain.In),
		domain.UintPort("data_out", domain.Out, width),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "lfsr")
	}

	c := NewCircuit()
	clk, rst := c.Net("clock"), c.Net("reset")
	out, prev := c.Net("data_out"), c.Net("clock.prev")
	c.Drive(out, lfsrSeed)
	c.Add(
		func(c *Circuit) {
			s := c.Get(out)
			if c.GetBool(clk) && !c.GetBool(prev) {
				if c.GetBool(rst) {
					s = lfsrSeed
				} else {
					lsb := s & 1
					s >>= 1
					if lsb != 0 {
						s ^= taps
					}
				}
			}
			c.Set(out, s)
		},
		func(c *Circuit) { c.Set(prev, c.Get(clk)) },
	)
	return ps, c, nil
}
