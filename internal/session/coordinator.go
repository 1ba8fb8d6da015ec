package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/config"
)

var progressText = map[string]string{
	config.ModeSimple:   "Thinking...",
	config.ModeNarrated: "Reading the page and following links...",
	config.ModeDirect:   "Searching the site index...",
}

var failureText = map[string]string{
	config.ModeSimple:   "Backend error",
	config.ModeNarrated: "Smart search failed",
	config.ModeDirect:   "Website search failed",
}

// UsesStream reports whether mode narrates progress over the event stream.
func UsesStream(mode string) bool {
	return mode == config.ModeNarrated
}

// Coordinator is a reducer from Inputs to render instructions and effects.
// It performs no I/O; the host runs the effects and feeds their results back.
type Coordinator struct {
	store *Store
}

func NewCoordinator(store *Store) *Coordinator {
	return &Coordinator{store: store}
}

// Store returns the state the coordinator reduces over.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Handle applies one input and returns what to render and what to start.
func (c *Coordinator) Handle(in Input) Output {
	var out Output
	switch in := in.(type) {
	case Submit:
		c.submit(in, &out)
	case StreamEvent:
		c.streamEvent(in, &out)
	case StreamOpened:
		c.streamOpened(in, &out)
	case StreamClosed:
		c.streamClosed(in, &out)
	case FinalResult:
		c.finalResult(in, &out)
	case ExchangeFailed:
		c.exchangeFailed(in, &out)
	}
	return out
}

func (c *Coordinator) submit(in Submit, out *Output) {
	question := strings.TrimSpace(in.Question)
	if question == "" || !config.ValidMode(in.Mode) {
		return
	}

	c.closeStream(out)
	sess := c.store.next(in.Mode, question)

	out.render(Instruction{Type: RenderUser, Session: sess.ID, Text: question})
	out.render(Instruction{Type: RenderProgress, Session: sess.ID, Text: progressText[sess.Mode]})

	if UsesStream(sess.Mode) {
		c.store.stream.owner = sess.ID
		out.effect(Effect{Type: EffectOpenStream, Session: sess.ID, Mode: sess.Mode})
	}
	out.effect(Effect{Type: EffectExchange, Session: sess.ID, Mode: sess.Mode, Question: question})
}

// closeStream releases the live stream, closing any answer slot it left open.
func (c *Coordinator) closeStream(out *Output) {
	st := &c.store.stream
	if st.owner == 0 {
		return
	}
	if st.phase == answerStreaming {
		out.render(Instruction{Type: RenderAnswerClose, Session: st.owner, Slot: st.slot})
	}
	out.effect(Effect{Type: EffectCloseStream, Session: st.owner})
	st.reset()
}

func (c *Coordinator) streamEvent(in StreamEvent, out *Output) {
	st := &c.store.stream
	if in.Session != st.owner || !c.store.active(in.Session) {
		return
	}

	ev := in.Event
	switch ev.Kind {
	case client.EventAnswerReset:
		if st.phase == answerStreaming {
			out.render(Instruction{Type: RenderAnswerClose, Session: in.Session, Slot: st.slot})
		}
		c.startAnswer(in.Session, out)
	case client.EventAnswerDelta:
		if st.phase == answerIdle {
			c.startAnswer(in.Session, out)
		}
		st.buffer = append(st.buffer, ev.Text...)
		out.render(Instruction{Type: RenderAnswerDelta, Session: in.Session, Slot: st.slot, Text: ev.Text})
	case client.EventAnswerDone:
		if st.phase == answerStreaming {
			st.phase = answerIdle
			out.render(Instruction{Type: RenderAnswerClose, Session: in.Session, Slot: st.slot})
		}
	case client.EventLinkSuggestion:
		out.render(Instruction{Type: RenderLinks, Session: in.Session, Text: ev.Text, Links: ev.Links})
	default:
		out.render(Instruction{Type: RenderNarration, Session: in.Session, Text: ev.Text})
	}
}

func (c *Coordinator) startAnswer(id int64, out *Output) {
	st := &c.store.stream
	st.phase = answerStreaming
	st.slot++
	st.buffer = st.buffer[:0]
	c.store.lastSlot[id] = st.slot
	out.render(Instruction{Type: RenderAnswerStart, Session: id, Slot: st.slot})
}

func (c *Coordinator) streamOpened(in StreamOpened, out *Output) {
	st := &c.store.stream
	if in.Session != st.owner || !c.store.active(in.Session) {
		out.effect(Effect{Type: EffectCloseStream, Session: in.Session})
		return
	}
	st.open = true
}

func (c *Coordinator) streamClosed(in StreamClosed, out *Output) {
	st := &c.store.stream
	if in.Session != st.owner {
		return
	}
	if st.phase == answerStreaming {
		out.render(Instruction{Type: RenderAnswerClose, Session: in.Session, Slot: st.slot})
	}
	st.reset()
	if in.Err != nil && c.store.active(in.Session) {
		out.render(Instruction{
			Type:    RenderNotice,
			Session: in.Session,
			Text:    fmt.Sprintf("Live progress unavailable: %v", in.Err),
		})
	}
}

// finalResult renders a terminal result once per session, whether or not
// the session is still the active one. The result takes over the session's
// last answer slot even when its stream has already been closed.
func (c *Coordinator) finalResult(in FinalResult, out *Output) {
	owned := c.store.stream.owner == in.Session
	slot := c.store.lastSlot[in.Session]

	if _, ok := c.store.finalize(in.Session, false); !ok {
		return
	}
	if owned {
		c.closeStream(out)
	}

	res := in.Result
	out.render(Instruction{Type: RenderProgressDone, Session: in.Session})
	out.render(Instruction{Type: RenderFinal, Session: in.Session, Slot: slot, Text: res.Answer, Result: &res})
	if len(res.Sources) > 0 {
		out.render(Instruction{Type: RenderSources, Session: in.Session, Sources: res.Sources})
	}
	if len(res.SelectedLinks) > 0 {
		out.render(Instruction{Type: RenderLinks, Session: in.Session, Text: "Selected links", Links: res.SelectedLinks})
	}
	if len(res.VisitedURLs) > 0 {
		out.render(Instruction{Type: RenderVisited, Session: in.Session, URLs: res.VisitedURLs})
	}
}

func (c *Coordinator) exchangeFailed(in ExchangeFailed, out *Output) {
	sess, ok := c.store.finalize(in.Session, true)
	if !ok {
		return
	}
	if c.store.stream.owner == in.Session {
		c.closeStream(out)
	}
	out.render(Instruction{
		Type:    RenderProgressError,
		Session: in.Session,
		Text:    FailureMessage(sess.Mode, in.Err),
	})
}

// FailureMessage is the mode-specific text that replaces the progress
// indicator when the exchange fails.
func FailureMessage(mode string, err error) string {
	prefix, ok := failureText[mode]
	if !ok {
		prefix = "Error"
	}
	switch {
	case err == nil:
		return prefix
	case errors.Is(err, context.DeadlineExceeded):
		return prefix + ": the server did not answer in time"
	default:
		return fmt.Sprintf("%s: %v", prefix, err)
	}
}
