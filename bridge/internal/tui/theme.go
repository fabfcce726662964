// Package tui provides shared theme and styles for the terminal chat client.
package tui

import "github.com/charmbracelet/lipgloss"

// Colors.
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // violet
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	// Agent labels agent replies.
	Agent = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorSecondary)

	// You labels the user's own messages.
	You = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorAccent)

	Body = lipgloss.NewStyle().
		Foreground(ColorText)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Border = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Padding(0, 1)
)

// StatusText returns a colored dot and label for gateway connectivity.
func StatusText(connected bool) string {
	if connected {
		return lipgloss.NewStyle().Foreground(ColorSuccess).Render("● connected")
	}
	return ErrorStyle.Render("● disconnected")
}
