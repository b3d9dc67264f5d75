package orchestrator

import (
	"github.com/aretw0/sigbridge/pkg/domain"
)

// Stimulus produces the message scattered to one worker on one tick.
// Ticks are numbered from 1.
type Stimulus interface {
	Next(tick uint64, rank int) domain.TickMessage
}

// StimulusFunc adapts a function to Stimulus.
type StimulusFunc func(tick uint64, rank int) domain.TickMessage

// Next calls f.
func (f StimulusFunc) Next(tick uint64, rank int) domain.TickMessage { return f(tick, rank) }

// Generator yields the value of one input port per tick. ok=false omits the
// key, so workers keep the last value they received.
type Generator interface {
	Value(tick uint64) (v domain.Value, ok bool)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(tick uint64) (domain.Value, bool)

// Value calls f.
func (f GeneratorFunc) Value(tick uint64) (domain.Value, bool) { return f(tick) }

// Clock toggles every tick, starting at initial on tick 1.
func Clock(initial bool) Generator {
	return GeneratorFunc(func(tick uint64) (domain.Value, bool) {
		return domain.Bool(initial != ((tick-1)%2 == 1)), true
	})
}

// Constant yields v on every tick.
func Constant(v domain.Value) Generator {
	return GeneratorFunc(func(uint64) (domain.Value, bool) { return v, true })
}

// Sequence yields values in order. Once exhausted it starts over when repeat
// is set and omits the key otherwise.
func Sequence(values []domain.Value, repeat bool) Generator {
	return GeneratorFunc(func(tick uint64) (domain.Value, bool) {
		if len(values) == 0 {
			return domain.Value{}, false
		}
		i := tick - 1
		if i >= uint64(len(values)) {
			if !repeat {
				return domain.Value{}, false
			}
			i %= uint64(len(values))
		}
		return values[i], true
	})
}

// Count yields the zero-based tick counter masked to width bits.
func Count(width uint) Generator {
	m := domain.UintPort("count", domain.In, width).Mask()
	return GeneratorFunc(func(tick uint64) (domain.Value, bool) {
		return domain.Uint((tick - 1) & m), true
	})
}

// Waveform drives every port from its own generator and stops after Length
// ticks when Length is set.
type Waveform struct {
	Ports  map[string]Generator
	Length uint64
}

// Next builds the tick message. Every worker receives the same waveform.
func (w Waveform) Next(tick uint64, _ int) domain.TickMessage {
	if w.Length > 0 && tick > w.Length {
		return domain.Stop()
	}
	msg := domain.NewTick()
	for name, g := range w.Ports {
		if v, ok := g.Value(tick); ok {
			msg.Values[name] = v
		}
	}
	return msg
}
