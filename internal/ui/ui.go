// Package ui provides terminal rendering helpers for the CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func plain() bool {
	return termenv.EnvColorProfile() == termenv.Ascii
}

// RenderAccent renders informational markers.
func RenderAccent(s string) string {
	if plain() {
		return s
	}
	return accentStyle.Render(s)
}

// RenderPass renders success markers.
func RenderPass(s string) string {
	if plain() {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn renders warning markers.
func RenderWarn(s string) string {
	if plain() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderFail renders failure markers.
func RenderFail(s string) string {
	if plain() {
		return s
	}
	return failStyle.Render(s)
}

// RenderDim renders de-emphasized detail text.
func RenderDim(s string) string {
	if plain() {
		return s
	}
	return dimStyle.Render(s)
}

// RenderBold renders emphasized text.
func RenderBold(s string) string {
	if plain() {
		return s
	}
	return boldStyle.Render(s)
}
