package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// Stream prefixes
var (
	styleStdout = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62"))

	styleStderr = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))
)

// Status styles
var (
	styleRunning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleComplete = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	stylePending = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// statusText colors a task status.
func statusText(status string) string {
	switch status {
	case "in_progress":
		return styleRunning.Render(status)
	case "completed":
		return styleComplete.Render(status)
	case "blocked":
		return styleFailed.Render(status)
	default:
		return stylePending.Render(status)
	}
}

// swatch renders a project's color as a small block followed by its hex.
func swatch(hex string) string {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex)).Render("■") + " " + hex
}

// newTable creates a borderless left-aligned table.
func newTable(w io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
