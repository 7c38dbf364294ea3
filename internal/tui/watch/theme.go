package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusWarn    lipgloss.Style

	Header lipgloss.Style
	Dim    lipgloss.Style
	Help   lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Help: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}
