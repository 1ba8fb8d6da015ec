package transcript

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/pageassist/assist/internal/session"
)

// Printer is a line-oriented sink that writes the transcript to w as it
// happens. Streamed answer text is written unpaced.
type Printer struct {
	w        io.Writer
	renderer *glamour.TermRenderer
	inAnswer bool
}

// NewPrinter creates a Printer. An empty style prints final answers as raw
// markdown.
func NewPrinter(w io.Writer, style string, width int) *Printer {
	p := &Printer{w: w}
	if style != "" {
		r, err := glamour.NewTermRenderer(glamour.WithStandardStyle(style), glamour.WithWordWrap(width))
		if err == nil {
			p.renderer = r
		}
	}
	return p
}

func (p *Printer) Render(in session.Instruction) {
	switch in.Type {
	case session.RenderUser:
		p.printf("> %s\n", in.Text)
	case session.RenderProgress:
		p.printf("… %s\n", in.Text)
	case session.RenderProgressError:
		p.endAnswer()
		p.printf("error: %s\n", in.Text)
	case session.RenderNarration:
		p.endAnswer()
		p.printf("  %s %s\n", "·", in.Text)
	case session.RenderLinks:
		p.endAnswer()
		title := in.Text
		if title == "" {
			title = "Suggested links"
		}
		p.printf("  %s:\n", title)
		for _, l := range in.Links {
			p.printf("    - %s <%s>\n", l.Text, l.Href)
		}
	case session.RenderNotice:
		p.endAnswer()
		p.printf("! %s\n", in.Text)
	case session.RenderAnswerStart:
		p.endAnswer()
		p.inAnswer = true
	case session.RenderAnswerDelta:
		p.printf("%s", in.Text)
	case session.RenderAnswerClose:
		p.endAnswer()
	case session.RenderFinal:
		p.endAnswer()
		p.printf("\n%s\n", p.markdown(in.Text))
	case session.RenderSources:
		p.printf("Sources:\n")
		for i, s := range in.Sources {
			line := fmt.Sprintf("  [%d] %q", i+1, s.Excerpt)
			if s.Title != "" {
				line += " " + s.Title
			}
			if s.URL != "" {
				line += " " + s.URL
			}
			p.printf("%s\n", line)
		}
	case session.RenderVisited:
		p.printf("Visited %d pages:\n", len(in.URLs))
		for _, u := range in.URLs {
			p.printf("  %s\n", u)
		}
	}
}

func (p *Printer) endAnswer() {
	if p.inAnswer {
		p.inAnswer = false
		p.printf("\n")
	}
}

func (p *Printer) markdown(text string) string {
	if p.renderer == nil {
		return text
	}
	out, err := p.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}
