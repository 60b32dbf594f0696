package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#D75F00", Dark: "#FF8700"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#808080"}
	colorError  = lipgloss.AdaptiveColor{Light: "#D70000", Dark: "#FF5F5F"}
	colorOK     = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FD75F"}

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			Padding(0, 1)

	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent)

	assistantLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorOK)

	systemStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Italic(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	statusErrStyle = lipgloss.NewStyle().
			Foreground(colorError)

	formLabelStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Width(10)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Padding(0, 1)

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorMuted).
				Padding(0, 1)
)
