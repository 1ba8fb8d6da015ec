// Package activity provides a scrollable log overlay of background work:
// stream connections, crawl progress and index requests.
package activity

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pageassist/assist/internal/theme"
)

const maxEntries = 200

// Entry kinds. Each has its own color and counter.
const (
	KindStream = "ws"
	KindCrawl  = "crawl"
	KindPage   = "page"
	KindIndex  = "idx"
	KindError  = "err"
)

// Kinds is the order the filter cycles through.
var Kinds = []string{KindStream, KindCrawl, KindPage, KindIndex, KindError}

// Entry is a single log line. Repeat counts identical lines logged back to
// back, such as a stream retrying the same failed dial.
type Entry struct {
	Time    time.Time
	Kind    string
	Message string
	Repeat  int
}

// Model holds activity log state.
type Model struct {
	Entries []Entry
	Offset  int    // scroll offset from the bottom of the filtered view
	Filter  string // show only this kind; empty shows all

	counts map[string]int
	now    func() time.Time
}

// New creates an empty activity log.
func New() Model {
	return Model{counts: make(map[string]int), now: time.Now}
}

// Add appends a log entry and caps the buffer. Counters keep counting past
// the cap.
func (m *Model) Add(kind, message string) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[kind]++
	m.Offset = 0

	if n := len(m.Entries); n > 0 {
		last := &m.Entries[n-1]
		if last.Kind == kind && last.Message == message {
			last.Repeat++
			last.Time = now()
			return
		}
	}

	m.Entries = append(m.Entries, Entry{
		Time:    now(),
		Kind:    kind,
		Message: message,
		Repeat:  1,
	})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
}

// Addf is Add with formatting.
func (m *Model) Addf(kind, format string, args ...any) {
	m.Add(kind, fmt.Sprintf(format, args...))
}

// Count is the number of kind lines logged since the model was created.
func (m *Model) Count(kind string) int {
	return m.counts[kind]
}

// CycleFilter moves the filter to the next kind, then back to all.
func (m *Model) CycleFilter() {
	m.Offset = 0
	if m.Filter == "" {
		m.Filter = Kinds[0]
		return
	}
	for i, k := range Kinds {
		if k == m.Filter && i+1 < len(Kinds) {
			m.Filter = Kinds[i+1]
			return
		}
	}
	m.Filter = ""
}

// visible returns the entries that pass the filter.
func (m *Model) visible() []Entry {
	if m.Filter == "" {
		return m.Entries
	}
	var out []Entry
	for _, e := range m.Entries {
		if e.Kind == m.Filter {
			out = append(out, e)
		}
	}
	return out
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(len(m.visible())-1, 0))
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset = max(m.Offset-n, 0)
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

// summary lists the non-zero counters in filter order.
func (m *Model) summary() string {
	var parts []string
	for _, k := range Kinds {
		if n := m.counts[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", k, n))
		}
	}
	return strings.Join(parts, "  ")
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// View renders the log as an overlay panel.
func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	visibleLines := max(height-7, 3)

	filter := "all"
	if m.Filter != "" {
		filter = m.Filter
	}
	title := theme.StyleHeader.Render(" ACTIVITY ") + theme.StyleDimmed.Render("  showing "+filter)
	help := theme.StyleDimmed.Render("pgup/pgdn:scroll  tab:filter  esc:close")
	counts := theme.StyleDimmed.Render(m.summary())

	entries := m.visible()
	if len(entries) == 0 {
		empty := "  Nothing has happened yet."
		if m.Filter != "" && len(m.Entries) > 0 {
			empty = fmt.Sprintf("  No %s activity.", m.Filter)
		}
		content := lipgloss.JoinVertical(lipgloss.Left, title, "", theme.StyleDimmed.Render(empty), "", counts, help)
		return panelStyle(innerW).Render(content)
	}

	end := max(len(entries)-m.Offset, 0)
	start := max(end-visibleLines, 0)

	lines := make([]string, 0, end-start)
	for _, e := range entries[start:end] {
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
		kind := lipgloss.NewStyle().Foreground(theme.KindColor(e.Kind)).Width(5).Render(e.Kind)
		msg := e.Message
		if e.Repeat > 1 {
			msg = fmt.Sprintf("%s (x%d)", msg, e.Repeat)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", ts, kind, truncate(msg, max(innerW-20, 10))))
	}

	scroll := ""
	if m.Offset > 0 {
		scroll = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), scroll, counts, help)
	return panelStyle(innerW).Render(content)
}
