// Package cliui provides the gateway's startup design system: styles,
// symbols, and terminal-aware color detection, adapted from the teacher's
// CLI design system for a single long-running "serve" command instead of a
// multi-command CLI.
package cliui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// BrandEmoji marks the startup banner.
const BrandEmoji = "\U0001F4E1" // 📡

var (
	ColorCyan  = lipgloss.Color("6")
	ColorGreen = lipgloss.Color("2")
	ColorRed   = lipgloss.Color("1")
)

var (
	StyleBoldCyan = lipgloss.NewStyle().Bold(true).Foreground(ColorCyan)
	StyleSuccess  = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleError    = lipgloss.NewStyle().Foreground(ColorRed)
)

const (
	SymbolCheck = "✓"
	SymbolCross = "✗"
)

// ColorEnabled reports whether stderr is a color-capable TTY. Respects
// NO_COLOR (https://no-color.org/).
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}
