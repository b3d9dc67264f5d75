package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aretw0/sigbridge/pkg/worker"
	"github.com/muesli/termenv"
)

// Tracer prints one line per engine step:
//
//	INVERTER (pid: 4242) -> tick: 1 | data_in: 5 | data_out: 10
type Tracer struct {
	mu    sync.Mutex
	w     io.Writer
	out   *termenv.Output
	model string
	color string
}

// NewTracer creates a tracer for the named model. Colour is used only on a terminal.
func NewTracer(w io.Writer, model string) *Tracer {
	return &Tracer{
		w:     w,
		out:   termenv.NewOutput(w, termenv.WithProfile(profileFor(w))),
		model: strings.ToUpper(model),
		color: "#22d3ee",
	}
}

// Line formats one step.
func (t *Tracer) Line(s worker.Step) string {
	var b strings.Builder
	b.WriteString(t.out.String(t.model).Foreground(t.out.Color(t.color)).Bold().String())
	fmt.Fprintf(&b, " (pid: %d) -> tick: %d", s.PID, s.Tick)
	if in := s.Inputs.String(); in != "" {
		b.WriteString(" | " + in)
	}
	if out := s.Outputs.String(); out != "" {
		b.WriteString(" | " + out)
	}
	return b.String()
}

// Hook returns a worker.TickHook that writes every step.
func (t *Tracer) Hook() worker.TickHook {
	return func(s worker.Step) {
		t.mu.Lock()
		defer t.mu.Unlock()
		fmt.Fprintln(t.w, t.Line(s))
	}
}
