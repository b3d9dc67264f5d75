package tui

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/aretw0/sigbridge/pkg/sim"
	"github.com/charmbracelet/glamour"
)

// NewRenderer returns a function that renders markdown for w: styled with
// glamour on a terminal, plain markdown otherwise.
func NewRenderer(w io.Writer) func(string) (string, error) {
	if !IsTerminal(w) {
		return func(markdown string) (string, error) { return markdown, nil }
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return func(markdown string) (string, error) { return markdown, nil }
	}
	return r.Render
}

// SummaryMarkdown renders a run summary as a markdown report.
func SummaryMarkdown(sum *orchestrator.Summary, model string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run summary\n\n")
	fmt.Fprintf(&b, "- **model**: %s\n", model)
	fmt.Fprintf(&b, "- **ticks**: %d\n", sum.Ticks)
	fmt.Fprintf(&b, "- **duration**: %s\n", sum.Duration.Round(time.Microsecond))
	fmt.Fprintf(&b, "- **workers**: %d (%d failed)\n\n", len(sum.Workers), len(sum.Failed()))

	b.WriteString("| rank | pid | status | reason | ticks | last | error |\n")
	b.WriteString("|---:|---:|---|---|---:|---|---|\n")
	for _, w := range sum.Workers {
		fmt.Fprintf(&b, "| %d | %d | %s | %s | %d | %s | %s |\n",
			w.Rank, w.PID, w.Status, w.Reason, w.Ticks, lastValues(w.Last), cell(w.Error))
	}
	return b.String()
}

// ModelsMarkdown renders the model catalogue.
func ModelsMarkdown(infos []sim.Info) string {
	var b strings.Builder
	b.WriteString("# Models\n\n")
	b.WriteString("| model | port | direction | kind | width |\n")
	b.WriteString("|---|---|---|---|---:|\n")
	for _, info := range infos {
		for i, p := range info.Ports {
			name := ""
			if i == 0 {
				name = "**" + info.Name + "**"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %d |\n", name, p.Name, p.Direction, p.Kind, p.Width)
		}
	}
	b.WriteString("\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "- **%s**: %s\n", info.Name, info.Description)
	}
	return b.String()
}

func lastValues(last map[string]string) string {
	if len(last) == 0 {
		return ""
	}
	keys := make([]string, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + last[k]
	}
	return strings.Join(parts, " ")
}

func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
