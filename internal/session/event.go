package session

import "github.com/pageassist/assist/internal/client"

// Input is anything the coordinator reacts to. Every producer-side input
// carries the id of the session whose producer emitted it.
type Input interface {
	input()
}

// Submit is a new user question.
type Submit struct {
	Question string
	Mode     string
}

// StreamEvent is one decoded message from the stream opened for Session.
type StreamEvent struct {
	Session int64
	Event   client.StreamEvent
}

// StreamOpened reports that the transport connected for Session.
type StreamOpened struct {
	Session int64
}

// StreamClosed reports that the stream for Session failed to open or was
// lost. Err is nil when the coordinator asked for the close.
type StreamClosed struct {
	Session int64
	Err     error
}

// FinalResult is the terminal exchange reply for Session.
type FinalResult struct {
	Session int64
	Result  client.FinalResult
}

// ExchangeFailed reports that the terminal exchange for Session failed.
type ExchangeFailed struct {
	Session int64
	Err     error
}

func (Submit) input()         {}
func (StreamEvent) input()    {}
func (StreamOpened) input()   {}
func (StreamClosed) input()   {}
func (FinalResult) input()    {}
func (ExchangeFailed) input() {}

// EffectType classifies work the coordinator asks its host to start.
type EffectType int

const (
	EffectOpenStream  EffectType = iota // connect the event stream for Session
	EffectCloseStream                   // close the stream owned by Session
	EffectExchange                      // run the terminal exchange for Session
)

// Effect is asynchronous work requested by the coordinator. Its results come
// back as Inputs tagged with Session.
type Effect struct {
	Type     EffectType
	Session  int64
	Mode     string
	Question string
}

// InstructionType classifies a render instruction.
type InstructionType int

const (
	RenderUser          InstructionType = iota // the user's question
	RenderProgress                             // in-progress indicator
	RenderProgressError                        // progress replaced by an error
	RenderProgressDone                         // progress indicator removed
	RenderNarration                            // one narration line
	RenderLinks                                // link suggestions
	RenderNotice                               // out-of-band notice
	RenderAnswerStart                          // fresh streaming answer slot
	RenderAnswerDelta                          // text appended to a slot
	RenderAnswerClose                          // slot receives no more deltas
	RenderFinal                                // authoritative final answer
	RenderSources                              // cited sources
	RenderVisited                              // pages visited while answering
)

// Instruction is one ordered step for the presentation sink.
type Instruction struct {
	Type    InstructionType
	Session int64
	Slot    int // answer slot; on RenderFinal the live slot it supersedes, 0 if none
	Text    string
	Links   []client.Link
	Sources []client.Source
	URLs    []string
	Result  *client.FinalResult
}

// Sink renders instructions in the order given.
type Sink interface {
	Render(Instruction)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Instruction)

func (f SinkFunc) Render(in Instruction) { f(in) }

// Output is the result of handling one Input.
type Output struct {
	Instructions []Instruction
	Effects      []Effect
}

// Apply forwards every instruction in out to sink.
func (out Output) Apply(sink Sink) {
	for _, in := range out.Instructions {
		sink.Render(in)
	}
}

func (out *Output) render(in Instruction) {
	out.Instructions = append(out.Instructions, in)
}

func (out *Output) effect(e Effect) {
	out.Effects = append(out.Effects, e)
}
