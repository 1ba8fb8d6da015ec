package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/pageassist/assist/internal/theme"
)

// StreamState is what the status bar shows about the event stream.
type StreamState int

const (
	StreamOff StreamState = iota
	StreamConnecting
	StreamLive
	StreamLost
)

// Model holds the status bar state.
type Model struct {
	Stream  StreamState
	Mode    string
	Session int64
	Page    string // page identity, title or URL
	Index   string // index status of the page's site, "" if unknown
	Busy    bool
	Width   int
}

// New creates a status bar model.
func New(mode string) Model {
	return Model{Mode: mode}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var streamStr string
	switch m.Stream {
	case StreamLive:
		streamStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Live")
	case StreamConnecting:
		streamStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("◌ Connecting...")
	case StreamLost:
		streamStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Stream lost")
	default:
		streamStr = theme.StyleDimmed.Render("○ No stream")
	}

	modeStr := lipgloss.NewStyle().Foreground(theme.ModeColor(m.Mode)).Bold(true).Render(m.Mode)

	sessStr := theme.StyleDimmed.Render("no question yet")
	if m.Session > 0 {
		sessStr = fmt.Sprintf("#%d", m.Session)
		if m.Busy {
			sessStr += " answering"
		}
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := streamStr + sep + modeStr + sep + sessStr
	if m.Index != "" {
		content += sep + m.Index
	}
	if m.Page != "" {
		page := m.Page
		if limit := width / 3; len(page) > limit && limit > 3 {
			page = page[:limit-3] + "..."
		}
		content += sep + theme.StyleDimmed.Render(page)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
