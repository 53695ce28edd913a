package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/raskyld/contained"
	"github.com/raskyld/contained/pkg/machine"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim).Width(10)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
)

func statusStyle(s machine.Status) lipgloss.Style {
	switch s {
	case machine.Halted:
		return SuccessStyle
	case machine.Failed:
		return ErrorStyle
	}
	return WarnStyle
}

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, LabelStyle.Render(label), value)
}

// renderResult formats a dispatch result for the terminal.
func renderResult(res contained.Result) string {
	lines := []string{
		field("id", AccentStyle.Render(res.ID.String())),
		field("status", statusStyle(res.Status).Render(res.Status.String())),
		field("executor", res.Executor.Short()),
		field("steps", fmt.Sprint(res.Steps)),
	}
	if res.Status == machine.Failed {
		lines = append(lines,
			field("kind", ErrorStyle.Render(res.Kind.String())),
			field("message", res.Message),
		)
		return strings.Join(lines, "\n")
	}

	lines = append(lines,
		field("triad", BoldStyle.Render(res.Triad.String())),
		field("tape", formatTape(res)),
	)
	for _, em := range res.Emissions {
		lines = append(lines, field("emit", fmt.Sprintf("#%d %s %q", em.Step, em.Tag, em.Payload)))
	}
	return strings.Join(lines, "\n")
}

func formatTape(res contained.Result) string {
	cells := make([]string, len(res.Tape))
	for i, n := range res.Tape {
		cells[i] = n.String()
		if i == res.Head {
			cells[i] = AccentStyle.Render("[" + cells[i] + "]")
		}
	}
	return strings.Join(cells, " ")
}
