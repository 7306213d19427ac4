package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the color palette for the swarm dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default swarm-dash palette.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles holds the derived lipgloss styles used by the views.
type Styles struct {
	Title        lipgloss.Style
	SectionTitle lipgloss.Style
	OK           lipgloss.Style
	Warn         lipgloss.Style
	Error        lipgloss.Style
	Muted        lipgloss.Style
}

// NewStyles derives render styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:        lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		SectionTitle: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		OK:           lipgloss.NewStyle().Foreground(t.Success),
		Warn:         lipgloss.NewStyle().Foreground(t.Warning),
		Error:        lipgloss.NewStyle().Foreground(t.Error),
		Muted:        lipgloss.NewStyle().Foreground(t.Muted),
	}
}
