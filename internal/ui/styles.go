// Package ui renders CLI output with terminal colors.
//
// Colors are dropped when NO_COLOR is set or stdout is not a terminal.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Palette. Adaptive colors pick the variant matching the terminal
// background.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#81c784"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#b26a00", Dark: "#ffb74d"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#e57373"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#64b5f6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9e9e9e"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func init() {
	if termenv.EnvNoColor() {
		DisableColor()
	}
}

// DisableColor turns all styling off for the rest of the process.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as an error marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders s as a heading or progress marker.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold renders s in bold.
func RenderBold(s string) string { return boldStyle.Render(s) }

// RenderState colors a sync state name: idle and failed stand out, every
// in-flight stage is an accent.
func RenderState(state string) string {
	switch state {
	case "idle":
		return RenderPass(state)
	case "failed":
		return RenderFail(state)
	default:
		return RenderAccent(state)
	}
}

// FormatSize formats a byte count for humans.
func FormatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return termenv.NewOutput(f).Profile != termenv.Ascii
}
