package tui

import (
	"io"
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// profileFor picks the colour profile: detected on a terminal, none otherwise.
func profileFor(w io.Writer) termenv.Profile {
	if !IsTerminal(w) {
		return termenv.Ascii
	}
	return termenv.NewOutput(w).EnvColorProfile()
}
