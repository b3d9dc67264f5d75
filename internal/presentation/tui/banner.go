package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []struct {
	text  string
	color string
}{
	{`     _       _         _    _            `, "#22d3ee"},
	{` ___(_) __ _| |__ _ __(_)__| | __ _  ___ `, "#38bdf8"},
	{`/ __| |/ _' | '_ \ '__| / _' |/ _' |/ _ \`, "#60a5fa"},
	{`\__ \ | (_| | |_) | |  | (_| | (_| |  __/`, "#818cf8"},
	{`|___/_|\__, |_.__/|_|  |_\__,_|\__, |\___|`, "#a78bfa"},
	{`       |___/                  |___/      `, "#c084fc"},
}

// PrintBanner writes the sigbridge banner to w, coloured when w is a terminal.
func PrintBanner(w io.Writer) {
	out := termenv.NewOutput(w, termenv.WithProfile(profileFor(w)))
	fmt.Fprintln(w)
	for _, l := range bannerLines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(w)
}
