package app

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/config"
	"github.com/pageassist/assist/internal/session"
)

type readyStream struct {
	session int64
	stream  io.Closer
}

// RunOnce answers a single question without the terminal UI. Instructions go
// to sink in coordinator order; RunOnce returns once the session is finalized
// or ctx ends.
func RunOnce(ctx context.Context, deps Deps, mode, question string, sink session.Sink) error {
	if !config.ValidMode(mode) {
		return fmt.Errorf("unknown mode %q", mode)
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord := session.NewCoordinator(session.NewStore())
	inputs := make(chan session.Input, 64)
	ready := make(chan readyStream)
	streams := make(map[int64]io.Closer)
	defer func() {
		for _, s := range streams {
			_ = s.Close()
		}
	}()

	deliver := func(ctx context.Context, in session.Input) {
		select {
		case inputs <- in:
		case <-ctx.Done():
		}
	}
	handler := client.Handler{
		Event: func(ctx context.Context, id int64, ev client.StreamEvent) {
			deliver(ctx, session.StreamEvent{Session: id, Event: ev})
		},
		Closed: func(ctx context.Context, id int64, err error) {
			deliver(ctx, session.StreamClosed{Session: id, Err: err})
		},
	}

	handle := func(in session.Input) {
		out := coord.Handle(in)
		out.Apply(sink)
		for _, e := range out.Effects {
			switch e.Type {
			case session.EffectOpenStream:
				if deps.Streams == nil {
					go deliver(ctx, session.StreamClosed{Session: e.Session, Err: fmt.Errorf("no event stream configured")})
					continue
				}
				go func(id int64) {
					s, err := deps.Streams(ctx, id, handler)
					if err != nil {
						deliver(ctx, session.StreamClosed{Session: id, Err: err})
						return
					}
					select {
					case ready <- readyStream{session: id, stream: s}:
					case <-ctx.Done():
						_ = s.Close()
					}
				}(e.Session)
			case session.EffectCloseStream:
				if s, ok := streams[e.Session]; ok {
					delete(streams, e.Session)
					_ = s.Close()
				}
			case session.EffectExchange:
				go func(e session.Effect) {
					deliver(ctx, runExchange(ctx, deps, log, e))
				}(e)
			}
		}
	}

	handle(session.Submit{Question: question, Mode: mode})
	id := coord.Store().CurrentID()
	if id == 0 {
		return fmt.Errorf("empty question")
	}
	for !coord.Store().IsFinalized(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-ready:
			streams[r.session] = r.stream
			handle(session.StreamOpened{Session: r.session})
		case in := <-inputs:
			handle(in)
		}
	}
	return nil
}
