package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
)

// StimulusConfig drives the model's input ports.
//
//	stimulus:
//	  length: 32
//	  ports:
//	    clock:  {kind: clock}
//	    reset:  {kind: sequence, values: [1, 1, 0]}
//	    enable: {kind: constant, value: true}
type StimulusConfig struct {
	// Length stops the run after this many ticks. Zero defers to run.ticks.
	Length uint64                     `mapstructure:"length"`
	Ports  map[string]GeneratorConfig `mapstructure:"ports"`
}

// GeneratorConfig selects one generator.
type GeneratorConfig struct {
	Kind    string `mapstructure:"kind"`
	Value   any    `mapstructure:"value"`
	Values  []any  `mapstructure:"values"`
	Repeat  bool   `mapstructure:"repeat"`
	Initial *bool  `mapstructure:"initial"`
}

// Waveform builds the stimulus for a model. Ports that are not configured get
// a default: clock toggles, reset stays low, other bool inputs stay high and
// uint inputs count.
func (s StimulusConfig) Waveform(ports *domain.PortSet) (orchestrator.Waveform, error) {
	w := orchestrator.Waveform{
		Ports:  make(map[string]orchestrator.Generator),
		Length: s.Length,
	}
	for name := range s.Ports {
		p, ok := ports.Lookup(name)
		if !ok {
			return w, fmt.Errorf("stimulus: unknown port %q", name)
		}
		if p.Direction != domain.In {
			return w, fmt.Errorf("stimulus: port %q is an output", name)
		}
	}

	for _, p := range ports.Filter(domain.In) {
		gc, ok := s.Ports[p.Name]
		if !ok {
			w.Ports[p.Name] = defaultGenerator(p)
			continue
		}
		g, err := gc.generator(p)
		if err != nil {
			return w, fmt.Errorf("stimulus: port %q: %w", p.Name, err)
		}
		w.Ports[p.Name] = g
	}
	return w, nil
}

func defaultGenerator(p domain.Port) orchestrator.Generator {
	switch {
	case p.Kind == domain.KindUint:
		return orchestrator.Count(p.Width)
	case p.Name == "clock":
		return orchestrator.Clock(true)
	case p.Name == "reset":
		return orchestrator.Constant(domain.Bool(false))
	default:
		return orchestrator.Constant(domain.Bool(true))
	}
}

func (g GeneratorConfig) generator(p domain.Port) (orchestrator.Generator, error) {
	switch strings.ToLower(g.Kind) {
	case "clock":
		if p.Kind != domain.KindBool {
			return nil, fmt.Errorf("clock needs a bool port")
		}
		initial := true
		if g.Initial != nil {
			initial = *g.Initial
		}
		return orchestrator.Clock(initial), nil
	case "constant", "const":
		v, err := ParseValue(p, g.Value)
		if err != nil {
			return nil, err
		}
		return orchestrator.Constant(v), nil
	case "sequence", "seq":
		if len(g.Values) == 0 {
			return nil, fmt.Errorf("sequence needs values")
		}
		vals := make([]domain.Value, len(g.Values))
		for i, raw := range g.Values {
			v, err := ParseValue(p, raw)
			if err != nil {
				return nil, fmt.Errorf("values[%d]: %w", i, err)
			}
			vals[i] = v
		}
		return orchestrator.Sequence(vals, g.Repeat), nil
	case "count", "counter":
		if p.Kind != domain.KindUint {
			return nil, fmt.Errorf("count needs a uint port")
		}
		return orchestrator.Count(p.Width), nil
	default:
		return nil, fmt.Errorf("unknown generator %q (want clock, constant, sequence or count)", g.Kind)
	}
}

// ParseValue converts a YAML scalar to a value of p's kind and checks its width.
// Numbers may be written in decimal, hex (0x) or binary (0b) when quoted.
func ParseValue(p domain.Port, raw any) (domain.Value, error) {
	var n uint64
	switch v := raw.(type) {
	case bool:
		if v {
			n = 1
		}
	case int:
		if v < 0 {
			return domain.Value{}, fmt.Errorf("negative value %d", v)
		}
		n = uint64(v)
	case int64:
		if v < 0 {
			return domain.Value{}, fmt.Errorf("negative value %d", v)
		}
		n = uint64(v)
	case uint64:
		n = v
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return domain.Value{}, fmt.Errorf("%v is not an unsigned integer", v)
		}
		n = uint64(v)
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		switch s {
		case "true", "high", "on":
			n = 1
		case "false", "low", "off":
			n = 0
		default:
			u, err := strconv.ParseUint(s, 0, 64)
			if err != nil {
				return domain.Value{}, fmt.Errorf("%q is not a value", v)
			}
			n = u
		}
	case nil:
		return domain.Value{}, fmt.Errorf("missing value")
	default:
		return domain.Value{}, fmt.Errorf("unsupported value %v (%T)", raw, raw)
	}

	var val domain.Value
	if p.Kind == domain.KindBool {
		if n > 1 {
			return domain.Value{}, fmt.Errorf("%d is not a bool", n)
		}
		val = domain.Bool(n == 1)
	} else {
		val = domain.Uint(n)
	}
	if err := p.Check(val); err != nil {
		return domain.Value{}, err
	}
	return val, nil
}
