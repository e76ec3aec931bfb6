package main

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"shim/pkg/protocol"
)

// Theme defines the visual styling for the shim dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for shim-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Title     lipgloss.Style
	Tab       lipgloss.Style
	ActiveTab lipgloss.Style
	Muted     lipgloss.Style
	Error     lipgloss.Style
	Warning   lipgloss.Style
	Success   lipgloss.Style
	Body      lipgloss.Style
	Table     table.Styles
}

// NewStyles builds the dashboard styles for theme.
func NewStyles(theme Theme) Styles {
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.Muted).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.Primary)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("0")).
		Background(theme.Secondary).
		Bold(false)

	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Tab:       lipgloss.NewStyle().Padding(0, 1).Foreground(theme.Muted),
		ActiveTab: lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(theme.Secondary).Underline(true),
		Muted:     lipgloss.NewStyle().Foreground(theme.Muted),
		Error:     lipgloss.NewStyle().Foreground(theme.Error),
		Warning:   lipgloss.NewStyle().Foreground(theme.Warning),
		Success:   lipgloss.NewStyle().Foreground(theme.Success),
		Body:      lipgloss.NewStyle().Padding(1, 0, 0, 0),
		Table:     ts,
	}
}

// topicStyle colors an event line by how much attention it needs.
func (s Styles) topicStyle(topic protocol.Topic) lipgloss.Style {
	switch topic {
	case protocol.TopicWorkerFailed, protocol.TopicTaskOverdue:
		return s.Error
	case protocol.TopicQueueWarning:
		return s.Warning
	case protocol.TopicTaskCompleted, protocol.TopicParentTaskCompleted:
		return s.Success
	default:
		return lipgloss.NewStyle()
	}
}
