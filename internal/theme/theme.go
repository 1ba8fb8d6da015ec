// Package theme provides the Lip Gloss color palette and reusable styles
// for the assistant's terminal UI. It is a leaf package with no internal
// imports to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Mode colors.
var (
	ColorSimple   = lipgloss.Color("#22c55e")
	ColorNarrated = lipgloss.Color("#a855f7")
	ColorDirect   = lipgloss.Color("#06b6d4")
	ColorDefault  = lipgloss.Color("#9ca3af")
)

// Transcript colors.
var (
	ColorUser      = lipgloss.Color("#3b82f6")
	ColorProgress  = lipgloss.Color("#d97706")
	ColorNarration = lipgloss.Color("#6b7280")
	ColorLink      = lipgloss.Color("#67e8f9")
	ColorAnswer    = lipgloss.Color("#f9fafb")
	ColorSource    = lipgloss.Color("#f59e0b")
	ColorNotice    = lipgloss.Color("#854d0e")
	ColorErrored   = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// ModeColor returns the Lip Gloss color for an answer mode.
func ModeColor(mode string) lipgloss.Color {
	switch mode {
	case "simple":
		return ColorSimple
	case "narrated":
		return ColorNarrated
	case "direct":
		return ColorDirect
	default:
		return ColorDefault
	}
}

// KindColor returns the color of an activity log kind.
func KindColor(kind string) lipgloss.Color {
	switch kind {
	case "ws":
		return ColorNarrated
	case "err":
		return ColorErrored
	case "crawl":
		return ColorDirect
	case "page":
		return ColorLink
	case "idx":
		return ColorWarning
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleUser = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorUser)

	StyleProgress = lipgloss.NewStyle().
			Italic(true).
			Foreground(ColorProgress)

	StyleNarration = lipgloss.NewStyle().
			Foreground(ColorNarration)

	StyleLink = lipgloss.NewStyle().
			Foreground(ColorLink).
			Underline(true)

	StyleAnswer = lipgloss.NewStyle().
			Foreground(ColorAnswer)

	StyleSource = lipgloss.NewStyle().
			Foreground(ColorSource)

	StyleNotice = lipgloss.NewStyle().
			Italic(true).
			Foreground(ColorNotice)

	StyleError = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorErrored)
)

// Glyphs prefixed to transcript entries.
const (
	GlyphUser      = "❯"
	GlyphNarration = "·"
	GlyphLinks     = "↪"
	GlyphAnswer    = "●"
	GlyphNotice    = "!"
	GlyphError     = "✗"
	GlyphDone      = "✓"
)
