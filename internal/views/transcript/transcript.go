// Package transcript renders the conversation: it is the presentation sink of
// the session coordinator for the terminal UI, plus a plain-text sink for
// one-shot questions.
package transcript

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/glamour"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/session"
	"github.com/pageassist/assist/internal/theme"
)

type kind int

const (
	kindUser kind = iota
	kindProgress
	kindNarration
	kindLinks
	kindNotice
	kindAnswer
	kindFinal
	kindSources
	kindVisited
)

type entry struct {
	kind    kind
	session int64
	text    string
	links   []client.Link
	sources []client.Source
	urls    []string

	failed bool // progress replaced by an error
	hidden bool // progress finished
	open   bool // answer slot still receiving deltas

	shown int // runes of text revealed so far
	pace  pace

	md      string // rendered markdown of a final answer
	mdWidth int
}

type slotKey struct {
	session int64
	slot    int
}

// Options configure a transcript.
type Options struct {
	Smoothing bool
	Style     string // glamour standard style
	Width     int
}

// Model is the scrolling transcript.
type Model struct {
	entries  []*entry
	slots    map[slotKey]*entry
	progress map[int64]*entry
	sources  []client.Source

	smoothing bool
	pacer     pacer
	style     string
	width     int

	renderer      *glamour.TermRenderer
	rendererWidth int
}

// New creates an empty transcript.
func New(opts Options) *Model {
	style := opts.Style
	if style == "" {
		style = "dark"
	}
	return &Model{
		slots:     make(map[slotKey]*entry),
		progress:  make(map[int64]*entry),
		smoothing: opts.Smoothing,
		pacer:     newPacer(),
		style:     style,
		width:     max(opts.Width, 20),
	}
}

// Render applies one coordinator instruction.
func (m *Model) Render(in session.Instruction) {
	switch in.Type {
	case session.RenderUser:
		m.add(&entry{kind: kindUser, session: in.Session, text: in.Text})
	case session.RenderProgress:
		e := &entry{kind: kindProgress, session: in.Session, text: in.Text}
		m.progress[in.Session] = e
		m.add(e)
	case session.RenderProgressError:
		if e, ok := m.progress[in.Session]; ok {
			e.text = in.Text
			e.failed = true
			delete(m.progress, in.Session)
			return
		}
		m.add(&entry{kind: kindProgress, session: in.Session, text: in.Text, failed: true})
	case session.RenderProgressDone:
		if e, ok := m.progress[in.Session]; ok {
			e.hidden = true
			delete(m.progress, in.Session)
		}
	case session.RenderNarration:
		m.add(&entry{kind: kindNarration, session: in.Session, text: in.Text})
	case session.RenderLinks:
		m.add(&entry{kind: kindLinks, session: in.Session, text: in.Text, links: in.Links})
	case session.RenderNotice:
		m.add(&entry{kind: kindNotice, session: in.Session, text: in.Text})
	case session.RenderAnswerStart:
		e := &entry{kind: kindAnswer, session: in.Session, open: true}
		m.slots[slotKey{in.Session, in.Slot}] = e
		m.add(e)
	case session.RenderAnswerDelta:
		if e, ok := m.slots[slotKey{in.Session, in.Slot}]; ok {
			e.text += in.Text
			if !m.smoothing {
				e.shown = utf8.RuneCountInString(e.text)
			}
		}
	case session.RenderAnswerClose:
		if e, ok := m.slots[slotKey{in.Session, in.Slot}]; ok {
			e.open = false
		}
	case session.RenderFinal:
		m.final(in)
	case session.RenderSources:
		m.sources = in.Sources
		m.add(&entry{kind: kindSources, session: in.Session, sources: in.Sources})
	case session.RenderVisited:
		m.add(&entry{kind: kindVisited, session: in.Session, urls: in.URLs})
	}
}

// final replaces the live answer slot the result supersedes, or appends the
// answer when nothing was streamed.
func (m *Model) final(in session.Instruction) {
	key := slotKey{in.Session, in.Slot}
	if e, ok := m.slots[key]; ok && in.Slot > 0 {
		delete(m.slots, key)
		e.kind = kindFinal
		e.text = in.Text
		e.open = false
		e.shown = utf8.RuneCountInString(in.Text)
		return
	}
	m.add(&entry{kind: kindFinal, session: in.Session, text: in.Text, shown: utf8.RuneCountInString(in.Text)})
}

// Notice appends a line that does not belong to any question.
func (m *Model) Notice(text string) {
	m.add(&entry{kind: kindNotice, text: text})
}

func (m *Model) add(e *entry) {
	m.entries = append(m.entries, e)
}

// Sources returns the sources of the most recent answer, numbered from 1 in
// the transcript.
func (m *Model) Sources() []client.Source {
	return m.sources
}

// Source returns the nth (1-based) source of the most recent answer.
func (m *Model) Source(n int) (client.Source, bool) {
	if n < 1 || n > len(m.sources) {
		return client.Source{}, false
	}
	return m.sources[n-1], true
}

// Tick advances answer smoothing by one frame. It reports whether any answer
// is still revealing text.
func (m *Model) Tick() bool {
	busy := false
	for _, e := range m.entries {
		if e.kind != kindAnswer {
			continue
		}
		target := utf8.RuneCountInString(e.text)
		if e.shown < target {
			e.shown = m.pacer.step(&e.pace, target)
		}
		if e.shown < target {
			busy = true
		}
	}
	return busy
}

// Animating reports whether a Tick would reveal more text.
func (m *Model) Animating() bool {
	for _, e := range m.entries {
		if e.kind == kindAnswer && e.shown < utf8.RuneCountInString(e.text) {
			return true
		}
	}
	return false
}

// SetWidth sets the wrap width.
func (m *Model) SetWidth(w int) {
	m.width = max(w, 20)
}

// Len returns the number of visible entries.
func (m *Model) Len() int {
	n := 0
	for _, e := range m.entries {
		if !e.hidden {
			n++
		}
	}
	return n
}

// View renders the transcript. spinner is drawn in front of pending progress
// lines.
func (m *Model) View(spinner string) string {
	var blocks []string
	for _, e := range m.entries {
		if e.hidden {
			continue
		}
		blocks = append(blocks, m.renderEntry(e, spinner))
	}
	return strings.Join(blocks, "\n")
}

func (m *Model) renderEntry(e *entry, spinner string) string {
	switch e.kind {
	case kindUser:
		return theme.StyleUser.Render(theme.GlyphUser + " " + e.text)
	case kindProgress:
		if e.failed {
			return theme.StyleError.Render(theme.GlyphError + " " + e.text)
		}
		return theme.StyleProgress.Render(strings.TrimSpace(spinner + " " + e.text))
	case kindNarration:
		return theme.StyleNarration.Render("  " + theme.GlyphNarration + " " + e.text)
	case kindLinks:
		return renderLinks(e.text, e.links)
	case kindNotice:
		return theme.StyleNotice.Render(theme.GlyphNotice + " " + e.text)
	case kindAnswer:
		text := prefix(e.text, e.shown)
		if e.open {
			text += "▍"
		}
		return theme.StyleAnswer.Width(m.width).Render(theme.GlyphAnswer + " " + text)
	case kindFinal:
		return m.markdown(e)
	case kindSources:
		return renderSources(e.sources, m.width)
	case kindVisited:
		return renderVisited(e.urls)
	}
	return ""
}

func (m *Model) markdown(e *entry) string {
	if e.md != "" && e.mdWidth == m.width {
		return e.md
	}
	if m.renderer == nil || m.rendererWidth != m.width {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(m.style),
			glamour.WithWordWrap(m.width-2),
		)
		if err != nil {
			return e.text
		}
		m.renderer, m.rendererWidth = r, m.width
	}
	out, err := m.renderer.Render(e.text)
	if err != nil {
		return e.text
	}
	e.md, e.mdWidth = strings.Trim(out, "\n"), m.width
	return e.md
}

func renderLinks(title string, links []client.Link) string {
	if title == "" {
		title = "Suggested links"
	}
	lines := []string{theme.StyleNarration.Render("  " + theme.GlyphLinks + " " + title)}
	for _, l := range links {
		text := l.Text
		if text == "" {
			text = l.Href
		}
		lines = append(lines, "    "+theme.StyleLink.Render(text)+" "+theme.StyleDimmed.Render(l.Href))
	}
	return strings.Join(lines, "\n")
}

func renderSources(sources []client.Source, width int) string {
	lines := []string{theme.StyleHeader.Render("Sources")}
	for i, s := range sources {
		excerpt := s.Excerpt
		if limit := width - 10; limit > 10 && utf8.RuneCountInString(excerpt) > limit {
			excerpt = prefix(excerpt, limit-3) + "..."
		}
		line := theme.StyleSource.Render(fmt.Sprintf("[%d]", i+1)) + " " + fmt.Sprintf("%q", excerpt)
		if s.Title != "" {
			line += " " + theme.StyleHeader.Render(s.Title)
		}
		if s.URL != "" {
			line += " " + theme.StyleDimmed.Render(s.URL)
		}
		lines = append(lines, line)
	}
	lines = append(lines, theme.StyleDimmed.Render("/jump N shows a source on the page"))
	return strings.Join(lines, "\n")
}

func renderVisited(urls []string) string {
	lines := []string{theme.StyleDimmed.Render(fmt.Sprintf("Visited %d pages", len(urls)))}
	for _, u := range urls {
		lines = append(lines, theme.StyleDimmed.Render("  "+u))
	}
	return strings.Join(lines, "\n")
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
