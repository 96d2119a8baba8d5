// Package ui renders neo's terminal output: Ayu-palette role styling,
// tree glyphs for hierarchy, and glamour-backed markdown. Output degrades
// to plain text for pipes, agents, and NO_COLOR terminals.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func ayu(light, dark string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: light, Dark: dark})
}

// One style per output role. The Ayu palette adapts to the terminal
// background; lipgloss drops the escapes entirely on dumb outputs.
var (
	PassStyle   = ayu("#86b300", "#c2d94c")
	WarnStyle   = ayu("#f2ae49", "#ffb454")
	FailStyle   = ayu("#f07171", "#f07178")
	MutedStyle  = ayu("#828c99", "#6c7680")
	AccentStyle = ayu("#399ee6", "#59c2ff")

	CategoryStyle = ayu("#399ee6", "#59c2ff").Bold(true)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

// Glyphs for detail lines under a parent row.
const (
	TreeChild  = "⎿ "
	TreeLast   = "└─ "
	TreeIndent = "  "
)

const separator = "──────────────────────────────────────────"

// RenderPass styles s as a success.
func RenderPass(s string) string { return PassStyle.Render(s) }

// RenderWarn styles s as a warning.
func RenderWarn(s string) string { return WarnStyle.Render(s) }

// RenderFail styles s as a failure.
func RenderFail(s string) string { return FailStyle.Render(s) }

// RenderMuted styles s as secondary detail.
func RenderMuted(s string) string { return MutedStyle.Render(s) }

// RenderAccent styles s as the line's key identifier.
func RenderAccent(s string) string { return AccentStyle.Render(s) }

// RenderCategory styles s as an uppercase section header.
func RenderCategory(s string) string { return CategoryStyle.Render(strings.ToUpper(s)) }

// RenderSeparator returns a muted horizontal rule.
func RenderSeparator() string { return MutedStyle.Render(separator) }
