package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/crossgrade/crossgrade/internal/conversion"
)

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	styleState = map[conversion.State]lipgloss.Style{
		conversion.StateCommitted:  styleSuccess,
		conversion.StateRolledBack: styleWarn,
		conversion.StateFailed:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	}
)

func renderState(s conversion.State) string {
	if style, ok := styleState[s]; ok {
		return style.Render("[" + s.String() + "]")
	}
	return "[" + s.String() + "]"
}
