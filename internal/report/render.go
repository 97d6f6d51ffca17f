package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/codex-k8s/stagectl/internal/pipeline"
)

type palette struct {
	header  lipgloss.Style
	dim     lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	neutral lipgloss.Style
}

func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		header:  r.NewStyle().Bold(true),
		dim:     r.NewStyle().Faint(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		neutral: r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

func (p palette) status(s string) string {
	switch s {
	case string(pipeline.StatusSuccess):
		return p.ok.Render(s)
	case string(pipeline.StatusUnstable):
		return p.warn.Render(s)
	case string(pipeline.StatusFailed), string(pipeline.StatusAborted):
		return p.bad.Render(s)
	default:
		return p.neutral.Render(s)
	}
}

// Render writes a human-readable summary of r. Colors are used only when w
// is a terminal that supports them.
func Render(w io.Writer, r *Report) error {
	p := newPalette(w)
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s  %s\n", p.header.Render("Pipeline"), r.Pipeline, p.status(string(r.Status)))
	fmt.Fprintf(&b, "%s\n", p.dim.Render(fmt.Sprintf("run %s, %s", r.RunID, formatDuration(r.StartedAt, r.FinishedAt))))
	if r.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", p.bad.Render("error:"), r.Error)
	}
	b.WriteString("\n")

	nameWidth := len("STAGE")
	for _, s := range r.Stages {
		nameWidth = max(nameWidth, len(s.Name))
	}
	cell := func(s string, width int) string {
		return s + strings.Repeat(" ", max(0, width-len(s)))
	}

	fmt.Fprintf(&b, "%s  %s  %s  %s\n",
		p.header.Render(cell("STAGE", nameWidth)),
		p.header.Render(cell("STATUS", 9)),
		p.header.Render(cell("DURATION", 9)),
		p.header.Render("PLACEMENT"))
	for _, s := range r.Stages {
		fmt.Fprintf(&b, "%s  %s  %s  %s\n",
			cell(s.Name, nameWidth),
			p.status(string(s.Status))+strings.Repeat(" ", max(0, 9-len(s.Status))),
			cell(formatDuration(s.StartedAt, s.FinishedAt), 9),
			s.Placement.String())
		for _, a := range s.Actions {
			if a.Status == ActionSuccess && a.Error == "" {
				continue
			}
			line := fmt.Sprintf("  - %s: %s", a.Name, a.Status)
			if a.Error != "" {
				line += " (" + a.Error + ")"
			}
			fmt.Fprintf(&b, "%s\n", p.dim.Render(line))
		}
	}

	t := r.Totals
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s total %d, passed %d, failed %d, errors %d, skipped %d\n",
		p.header.Render("Tests:"), t.Tests.Total, t.Tests.Passed, t.Tests.Failed, t.Tests.Errors, t.Tests.Skipped)
	fmt.Fprintf(&b, "%s %d\n", p.header.Render("Warnings:"), t.Warnings)
	fmt.Fprintf(&b, "%s %d (%d bytes)\n", p.header.Render("Artifacts:"), t.Artifacts, t.ArtifactBytes)

	cleanup := "not run"
	if r.Cleanup.Ran {
		cleanup = fmt.Sprintf("%d action(s), %d failure(s)", len(r.Cleanup.Actions), len(r.Cleanup.Failures))
	}
	fmt.Fprintf(&b, "%s %s\n", p.header.Render("Cleanup:"), cleanup)

	_, err := io.WriteString(w, b.String())
	return err
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}
