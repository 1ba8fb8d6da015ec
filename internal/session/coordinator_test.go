package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/config"
)

// recorder is a Sink that keeps every instruction it renders.
type recorder struct {
	got []Instruction
}

func (r *recorder) Render(in Instruction) { r.got = append(r.got, in) }

func (r *recorder) ofType(t InstructionType) []Instruction {
	var out []Instruction
	for _, in := range r.got {
		if in.Type == t {
			out = append(out, in)
		}
	}
	return out
}

// slotText concatenates the deltas rendered into one answer slot.
func (r *recorder) slotText(session int64, slot int) string {
	var b strings.Builder
	for _, in := range r.got {
		if in.Type == RenderAnswerDelta && in.Session == session && in.Slot == slot {
			b.WriteString(in.Text)
		}
	}
	return b.String()
}

type harness struct {
	c    *Coordinator
	sink *recorder
}

func newHarness() *harness {
	return &harness{c: NewCoordinator(NewStore()), sink: &recorder{}}
}

func (h *harness) feed(in Input) Output {
	out := h.c.Handle(in)
	out.Apply(h.sink)
	return out
}

func (h *harness) event(session int64, ev client.StreamEvent) Output {
	return h.feed(StreamEvent{Session: session, Event: ev})
}

func hasEffect(out Output, typ EffectType, session int64) bool {
	for _, e := range out.Effects {
		if e.Type == typ && e.Session == session {
			return true
		}
	}
	return false
}

var (
	reset = client.StreamEvent{Kind: client.EventAnswerReset}
	done  = client.StreamEvent{Kind: client.EventAnswerDone}
)

func delta(s string) client.StreamEvent {
	return client.StreamEvent{Kind: client.EventAnswerDelta, Text: s}
}

func narration(s string) client.StreamEvent {
	return client.StreamEvent{Kind: client.EventNarration, Text: s}
}

func TestSubmitIgnoresBlankQuestion(t *testing.T) {
	h := newHarness()
	for _, q := range []string{"", "   ", "\n\t"} {
		out := h.feed(Submit{Question: q, Mode: config.ModeNarrated})
		if len(out.Instructions) != 0 || len(out.Effects) != 0 {
			t.Errorf("Submit(%q) produced %+v", q, out)
		}
	}
	if h.c.Store().CurrentID() != 0 {
		t.Errorf("blank question allocated session %d", h.c.Store().CurrentID())
	}
}

func TestSubmitIgnoresUnknownMode(t *testing.T) {
	h := newHarness()
	out := h.feed(Submit{Question: "hi", Mode: "loud"})
	if len(out.Instructions) != 0 || len(out.Effects) != 0 {
		t.Errorf("unknown mode produced %+v", out)
	}
}

func TestSubmitEffectsPerMode(t *testing.T) {
	tests := []struct {
		mode       string
		wantStream bool
	}{
		{config.ModeSimple, false},
		{config.ModeNarrated, true},
		{config.ModeDirect, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			h := newHarness()
			out := h.feed(Submit{Question: "  What is this page?  ", Mode: tt.mode})

			if len(out.Instructions) != 2 {
				t.Fatalf("instructions = %+v", out.Instructions)
			}
			if u := out.Instructions[0]; u.Type != RenderUser || u.Session != 1 || u.Text != "What is this page?" {
				t.Errorf("first instruction = %+v", u)
			}
			if p := out.Instructions[1]; p.Type != RenderProgress || p.Text == "" {
				t.Errorf("second instruction = %+v", p)
			}
			if got := hasEffect(out, EffectOpenStream, 1); got != tt.wantStream {
				t.Errorf("open stream = %v, want %v", got, tt.wantStream)
			}
			if !hasEffect(out, EffectExchange, 1) {
				t.Error("missing exchange effect")
			}
			last := out.Effects[len(out.Effects)-1]
			if last.Question != "What is this page?" || last.Mode != tt.mode {
				t.Errorf("exchange effect = %+v", last)
			}
		})
	}
}

func TestSessionIDsIncrease(t *testing.T) {
	h := newHarness()
	var prev int64
	for i := 0; i < 5; i++ {
		h.feed(Submit{Question: fmt.Sprintf("q%d", i), Mode: config.ModeSimple})
		id := h.c.Store().CurrentID()
		if id <= prev {
			t.Fatalf("session id %d not greater than %d", id, prev)
		}
		prev = id
	}
	if got := h.c.Store().Pending(); got != 5 {
		t.Errorf("Pending() = %d, want 5", got)
	}
	if s, _ := h.c.Store().Get(1); s.State != Superseded {
		t.Errorf("session 1 state = %v, want superseded", s.State)
	}
}

func TestStreamingAnswerThenFinal(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q1", Mode: config.ModeNarrated})
	h.feed(StreamOpened{Session: 1})

	h.event(1, reset)
	h.event(1, delta("Hel"))
	h.event(1, delta("lo!"))
	h.event(1, done)

	if got := h.sink.slotText(1, 1); got != "Hello!" {
		t.Fatalf("live text = %q, want %q", got, "Hello!")
	}
	if got := h.c.Store().AnswerText(); got != "Hello!" {
		t.Errorf("buffer = %q", got)
	}

	res := client.FinalResult{Answer: "Hello! Full answer.", Sources: []client.Source{{Excerpt: "Hello"}}}
	out := h.feed(FinalResult{Session: 1, Result: res})
	if !hasEffect(out, EffectCloseStream, 1) {
		t.Error("final result did not release the stream")
	}
	h.feed(FinalResult{Session: 1, Result: res})

	finals := h.sink.ofType(RenderFinal)
	if len(finals) != 1 {
		t.Fatalf("rendered %d finals, want 1", len(finals))
	}
	if f := finals[0]; f.Text != "Hello! Full answer." || f.Slot != 1 || f.Session != 1 {
		t.Errorf("final = %+v", f)
	}
	if got := len(h.sink.ofType(RenderSources)); got != 1 {
		t.Errorf("rendered %d source lists, want 1", got)
	}
	if !h.c.Store().IsFinalized(1) {
		t.Error("session 1 not finalized")
	}
	if got := len(h.sink.ofType(RenderAnswerClose)); got != 1 {
		t.Errorf("answer closed %d times, want 1", got)
	}
}

func TestFinalBeforeStreamEvents(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q1", Mode: config.ModeNarrated})
	h.feed(FinalResult{Session: 1, Result: client.FinalResult{Answer: "done"}})

	before := len(h.sink.got)
	h.event(1, reset)
	h.event(1, delta("late"))
	if len(h.sink.got) != before {
		t.Errorf("stream output after final: %+v", h.sink.got[before:])
	}

	out := h.feed(StreamOpened{Session: 1})
	if !hasEffect(out, EffectCloseStream, 1) {
		t.Error("stream that opened after the final result was not closed")
	}
}

func TestSupersessionClosesStreamAndKeepsLateResult(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q1", Mode: config.ModeNarrated})
	h.feed(StreamOpened{Session: 1})
	h.event(1, narration("reading page one"))
	h.event(1, reset)
	h.event(1, delta("partial"))

	out := h.feed(Submit{Question: "Q2", Mode: config.ModeNarrated})
	if !hasEffect(out, EffectCloseStream, 1) {
		t.Fatal("Q2 did not close Q1's stream")
	}
	if !hasEffect(out, EffectOpenStream, 2) || !hasEffect(out, EffectExchange, 2) {
		t.Fatalf("Q2 effects = %+v", out.Effects)
	}
	if owner, _ := h.c.Store().StreamOwner(); owner != 2 {
		t.Errorf("stream owner = %d, want 2", owner)
	}

	mark := len(h.sink.got)
	h.event(1, delta(" more"))
	h.event(1, narration("stale"))
	if len(h.sink.got) != mark {
		t.Fatalf("stale stream output reached the sink: %+v", h.sink.got[mark:])
	}

	// Output forwarded before supersession stays.
	if got := h.sink.slotText(1, 1); got != "partial" {
		t.Errorf("pre-supersession text = %q", got)
	}

	h.feed(StreamOpened{Session: 2})
	h.event(2, narration("reading page two"))
	h.feed(FinalResult{Session: 1, Result: client.FinalResult{Answer: "A1"}})
	h.event(2, reset)
	h.event(2, delta("A2 live"))
	h.feed(FinalResult{Session: 2, Result: client.FinalResult{Answer: "A2"}})

	finals := h.sink.ofType(RenderFinal)
	if len(finals) != 2 {
		t.Fatalf("finals = %+v", finals)
	}
	if finals[0].Session != 1 || finals[0].Text != "A1" || finals[0].Slot != 1 {
		t.Errorf("late Q1 final = %+v", finals[0])
	}
	if finals[1].Session != 2 || finals[1].Text != "A2" || finals[1].Slot != 1 {
		t.Errorf("Q2 final = %+v", finals[1])
	}
	if got := h.sink.slotText(2, 1); got != "A2 live" {
		t.Errorf("Q2 live text = %q", got)
	}
}

func TestLateFinalDoesNotTouchCurrentStream(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q1", Mode: config.ModeNarrated})
	h.feed(Submit{Question: "Q2", Mode: config.ModeNarrated})
	h.feed(StreamOpened{Session: 2})

	out := h.feed(FinalResult{Session: 1, Result: client.FinalResult{Answer: "A1"}})
	if hasEffect(out, EffectCloseStream, 2) {
		t.Error("late Q1 final closed Q2's stream")
	}
	if owner, open := h.c.Store().StreamOwner(); owner != 2 || !open {
		t.Errorf("stream = %d/%v, want 2/open", owner, open)
	}
}

func TestAnswerResetStartsFreshSlot(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q", Mode: config.ModeNarrated})
	h.event(1, reset)
	h.event(1, delta("first draft"))
	h.event(1, reset)
	h.event(1, delta("second"))
	h.event(1, delta(" draft"))
	h.event(1, done)

	starts := h.sink.ofType(RenderAnswerStart)
	if len(starts) != 2 || starts[0].Slot != 1 || starts[1].Slot != 2 {
		t.Fatalf("answer starts = %+v", starts)
	}
	if got := h.sink.slotText(1, 2); got != "second draft" {
		t.Errorf("slot 2 = %q", got)
	}
	if got := h.c.Store().AnswerText(); got != "second draft" {
		t.Errorf("buffer = %q, want only the latest cycle", got)
	}
	if closes := h.sink.ofType(RenderAnswerClose); len(closes) != 2 {
		t.Errorf("closes = %+v", closes)
	}
}

func TestDeltaWithoutResetOpensSlot(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q", Mode: config.ModeNarrated})
	h.event(1, delta("orphan"))

	if starts := h.sink.ofType(RenderAnswerStart); len(starts) != 1 {
		t.Fatalf("starts = %+v", starts)
	}
	if got := h.sink.slotText(1, 1); got != "orphan" {
		t.Errorf("slot text = %q", got)
	}
}

func TestDoneWhileIdleIsIgnored(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q", Mode: config.ModeNarrated})
	mark := len(h.sink.got)
	h.event(1, done)
	if len(h.sink.got) != mark {
		t.Errorf("idle answer_done rendered %+v", h.sink.got[mark:])
	}
}

func TestNarrationAndLinksForwardInOrder(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q", Mode: config.ModeNarrated})
	mark := len(h.sink.got)

	links := []client.Link{{Text: "Pricing", Href: "https://x.test/pricing"}}
	h.event(1, narration("one"))
	h.event(1, client.StreamEvent{Kind: client.EventLinkSuggestion, Text: "Visiting", Links: links})
	h.event(1, narration("two"))

	got := h.sink.got[mark:]
	if len(got) != 3 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Text != "one" || got[1].Type != RenderLinks || got[2].Text != "two" {
		t.Errorf("order = %+v", got)
	}
	if len(got[1].Links) != 1 || got[1].Links[0].Href != "https://x.test/pricing" {
		t.Errorf("links = %+v", got[1].Links)
	}
}

func TestExchangeFailureReplacesProgress(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q", Mode: config.ModeNarrated})
	h.feed(StreamOpened{Session: 1})
	h.event(1, reset)

	out := h.feed(ExchangeFailed{Session: 1, Err: errors.New("502 bad gateway")})
	if !hasEffect(out, EffectCloseStream, 1) {
		t.Error("failure did not close the stream")
	}
	errs := h.sink.ofType(RenderProgressError)
	if len(errs) != 1 || !strings.HasPrefix(errs[0].Text, "Smart search failed") {
		t.Fatalf("progress errors = %+v", errs)
	}

	h.feed(FinalResult{Session: 1, Result: client.FinalResult{Answer: "too late"}})
	h.feed(ExchangeFailed{Session: 1, Err: errors.New("again")})
	if n := len(h.sink.ofType(RenderFinal)); n != 0 {
		t.Errorf("final rendered after failure")
	}
	if n := len(h.sink.ofType(RenderProgressError)); n != 1 {
		t.Errorf("failure rendered %d times", n)
	}
}

func TestSupersededFailureLeavesCurrentStream(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q1", Mode: config.ModeSimple})
	h.feed(Submit{Question: "Q2", Mode: config.ModeNarrated})

	out := h.feed(ExchangeFailed{Session: 1, Err: errors.New("boom")})
	if len(out.Effects) != 0 {
		t.Errorf("effects = %+v", out.Effects)
	}
	errs := h.sink.ofType(RenderProgressError)
	if len(errs) != 1 || errs[0].Session != 1 || !strings.HasPrefix(errs[0].Text, "Backend error") {
		t.Errorf("progress errors = %+v", errs)
	}
	if owner, _ := h.c.Store().StreamOwner(); owner != 2 {
		t.Errorf("stream owner = %d", owner)
	}
}

func TestStreamLossKeepsExchange(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q", Mode: config.ModeNarrated})
	h.feed(StreamOpened{Session: 1})
	h.event(1, reset)
	h.event(1, delta("par"))

	h.feed(StreamClosed{Session: 1, Err: errors.New("connection reset")})
	if notices := h.sink.ofType(RenderNotice); len(notices) != 1 {
		t.Fatalf("notices = %+v", notices)
	}
	if owner, _ := h.c.Store().StreamOwner(); owner != 0 {
		t.Errorf("stream owner = %d after loss", owner)
	}

	h.feed(FinalResult{Session: 1, Result: client.FinalResult{Answer: "complete"}})
	finals := h.sink.ofType(RenderFinal)
	if len(finals) != 1 || finals[0].Text != "complete" {
		t.Fatalf("finals = %+v", finals)
	}
	if finals[0].Slot != 1 {
		t.Errorf("final slot = %d, want the slot streamed before the loss", finals[0].Slot)
	}
}

func TestFinalAfterFailureUsesNoSlot(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q1", Mode: config.ModeNarrated})
	h.event(1, reset)
	h.event(1, delta("par"))
	h.feed(ExchangeFailed{Session: 1, Err: errors.New("refused")})
	h.feed(Submit{Question: "Q2", Mode: config.ModeSimple})
	h.feed(FinalResult{Session: 2, Result: client.FinalResult{Answer: "A2"}})

	finals := h.sink.ofType(RenderFinal)
	if len(finals) != 1 || finals[0].Session != 2 || finals[0].Slot != 0 {
		t.Errorf("finals = %+v", finals)
	}
}

func TestStaleStreamClosedIgnored(t *testing.T) {
	h := newHarness()
	h.feed(Submit{Question: "Q1", Mode: config.ModeNarrated})
	h.feed(Submit{Question: "Q2", Mode: config.ModeNarrated})
	mark := len(h.sink.got)

	h.feed(StreamClosed{Session: 1, Err: errors.New("gone")})
	if len(h.sink.got) != mark {
		t.Errorf("stale close rendered %+v", h.sink.got[mark:])
	}
	if owner, _ := h.c.Store().StreamOwner(); owner != 2 {
		t.Errorf("owner = %d", owner)
	}
}

// TestOnlyLatestSessionStreams drives random interleavings of submissions,
// stream events and results and checks that live output only ever comes
// from the most recent session and that each session finalizes once.
func TestOnlyLatestSessionStreams(t *testing.T) {
	kinds := []client.StreamEvent{reset, delta("x"), delta("y"), done, narration("n")}

	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness()
		finals := map[int64]int{}

		for step := 0; step < 200; step++ {
			cur := h.c.Store().CurrentID()
			switch op := rng.Intn(10); {
			case op == 0 || cur == 0:
				h.feed(Submit{Question: "q", Mode: config.ModeNarrated})
			case op < 7:
				id := 1 + rng.Int63n(cur)
				out := h.event(id, kinds[rng.Intn(len(kinds))])
				for _, in := range out.Instructions {
					if in.Session != cur {
						t.Fatalf("seed %d: session %d rendered %v while %d is current", seed, in.Session, in.Type, cur)
					}
				}
			case op < 9:
				id := 1 + rng.Int63n(cur)
				out := h.feed(FinalResult{Session: id, Result: client.FinalResult{Answer: "a"}})
				for _, in := range out.Instructions {
					if in.Type == RenderFinal {
						finals[in.Session]++
					}
				}
			default:
				h.feed(ExchangeFailed{Session: 1 + rng.Int63n(cur), Err: errors.New("e")})
			}
		}

		for id, n := range finals {
			if n != 1 {
				t.Fatalf("seed %d: session %d finalized %d times", seed, id, n)
			}
		}
	}
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		mode string
		err  error
		want string
	}{
		{config.ModeSimple, errors.New("refused"), "Backend error: refused"},
		{config.ModeDirect, context.DeadlineExceeded, "Website search failed: the server did not answer in time"},
		{config.ModeNarrated, fmt.Errorf("ask: %w", context.DeadlineExceeded), "Smart search failed: the server did not answer in time"},
		{"other", nil, "Error"},
	}
	for _, tt := range tests {
		if got := FailureMessage(tt.mode, tt.err); got != tt.want {
			t.Errorf("FailureMessage(%q, %v) = %q, want %q", tt.mode, tt.err, got, tt.want)
		}
	}
}
