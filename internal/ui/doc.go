// Package ui renders styled terminal output for the favsync CLI.
//
// It has no interactive views: commands print task tables, status badges, progress bars and
// sync summaries built with lipgloss. Colors degrade to plain text when the output is not a
// terminal.
package ui
