package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/forest6511/flowseal/pkg/history"
)

// Status line styles. Colors are dropped automatically when the output is
// not a terminal.
var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

const (
	checkMark = "✓"
	crossMark = "✗"
)

func statusStyle(s history.Status) lipgloss.Style {
	switch s {
	case history.StatusSucceeded:
		return okStyle
	case history.StatusInterrupted:
		return warnStyle
	default:
		return failStyle
	}
}
