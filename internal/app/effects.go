package app

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/config"
	"github.com/pageassist/assist/internal/crawler"
	"github.com/pageassist/assist/internal/pageagent"
	"github.com/pageassist/assist/internal/session"
	"github.com/pageassist/assist/internal/views/activity"
)

// Asker runs the terminal answer exchange.
type Asker interface {
	Ask(ctx context.Context, mode string, req client.AskRequest) (*client.FinalResult, error)
}

// Indexer queries and triggers the backend's site index.
type Indexer interface {
	IsIndexed(ctx context.Context, pageURL string) (*client.IndexStatus, error)
	IndexSite(ctx context.Context, siteURL string) (*client.IndexSiteReply, error)
}

// Crawler walks a site and reports its pages.
type Crawler interface {
	Crawl(ctx context.Context, start string) (crawler.Stats, error)
}

// StreamOpener connects the event stream for a session.
type StreamOpener func(ctx context.Context, sessionID int64, h client.Handler) (io.Closer, error)

// TransportOpener adapts a StreamTransport to StreamOpener.
func TransportOpener(t *client.StreamTransport) StreamOpener {
	return func(ctx context.Context, sessionID int64, h client.Handler) (io.Closer, error) {
		s, err := t.Open(ctx, sessionID, h)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Messages produced by background work.
type (
	// streamReadyMsg carries a stream that finished dialing.
	streamReadyMsg struct {
		session int64
		stream  io.Closer
	}

	// channelMsg wraps a message received on the model's event channel.
	channelMsg struct {
		msg tea.Msg
	}

	pageMsg struct {
		identity pageagent.PageIdentity
		index    *client.IndexStatus
		err      error
	}

	jumpMsg struct {
		n      int
		result pageagent.JumpResult
	}

	crawlPageMsg struct {
		ev crawler.PageEvent
	}

	crawlDoneMsg struct {
		start string
		stats crawler.Stats
		err   error
	}

	indexMsg struct {
		site  string
		reply *client.IndexSiteReply
		err   error
	}

	frameMsg struct{}
)

// runEffects turns coordinator effects into commands.
func (m *Model) runEffects(effects []session.Effect) tea.Cmd {
	var cmds []tea.Cmd
	for _, e := range effects {
		switch e.Type {
		case session.EffectOpenStream:
			cmds = append(cmds, m.openStream(e.Session))
		case session.EffectCloseStream:
			cmds = append(cmds, m.closeStream(e.Session))
		case session.EffectExchange:
			cmds = append(cmds, m.exchange(e))
		}
	}
	return tea.Batch(cmds...)
}

func (m *Model) openStream(id int64) tea.Cmd {
	if m.deps.Streams == nil {
		return func() tea.Msg {
			return session.StreamClosed{Session: id, Err: errors.New("no event stream configured")}
		}
	}
	m.activity.Addf(activity.KindStream, "opening stream for #%d", id)

	open, events, log := m.deps.Streams, m.events, m.log
	h := client.Handler{
		Event: func(ctx context.Context, sessionID int64, ev client.StreamEvent) {
			send(ctx, events, session.StreamEvent{Session: sessionID, Event: ev})
		},
		Closed: func(ctx context.Context, sessionID int64, err error) {
			send(ctx, events, session.StreamClosed{Session: sessionID, Err: err})
		},
	}
	ctx := m.ctx
	return func() tea.Msg {
		s, err := open(ctx, id, h)
		if err != nil {
			log.Warn("stream open failed", zap.Int64("session", id), zap.Error(err))
			return session.StreamClosed{Session: id, Err: err}
		}
		return streamReadyMsg{session: id, stream: s}
	}
}

func (m *Model) closeStream(id int64) tea.Cmd {
	s, ok := m.streams[id]
	if !ok {
		return nil
	}
	delete(m.streams, id)
	m.activity.Addf(activity.KindStream, "closing stream for #%d", id)
	return func() tea.Msg {
		_ = s.Close()
		return nil
	}
}

// exchange collects the page and runs the answer exchange for e.
func (m *Model) exchange(e session.Effect) tea.Cmd {
	deps, log, ctx := m.deps, m.log, m.ctx
	return func() tea.Msg {
		return runExchange(ctx, deps, log, e)
	}
}

// runExchange collects the page and runs the answer exchange for e,
// returning the coordinator input that reports its outcome.
func runExchange(parent context.Context, deps Deps, log *zap.Logger, e session.Effect) session.Input {
	ctx := parent
	if timeout := deps.Config.Exchange.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	data := pageagent.Collect(ctx, deps.Agent)
	req := client.AskRequest{Text: data.Text, Question: e.Question}
	if e.Mode != config.ModeSimple {
		req.Links = data.Links
		req.PageURL = data.URL
	}
	if e.Mode == config.ModeDirect {
		req.Domain = data.Domain()
	}

	res, err := deps.Asker.Ask(ctx, e.Mode, req)
	if err != nil {
		log.Warn("exchange failed", zap.Int64("session", e.Session), zap.String("mode", e.Mode), zap.Error(err))
		return session.ExchangeFailed{Session: e.Session, Err: err}
	}
	return session.FinalResult{Session: e.Session, Result: *res}
}

func (m *Model) loadPage() tea.Cmd {
	agent, indexer := m.deps.Agent, m.deps.Indexer
	ctx := m.ctx
	return func() tea.Msg {
		if agent == nil {
			return pageMsg{err: pageagent.ErrUnreachable}
		}
		id, err := agent.Identity(ctx)
		if err != nil {
			return pageMsg{err: err}
		}
		msg := pageMsg{identity: id}
		if indexer != nil && id.URL != "" {
			msg.index, _ = indexer.IsIndexed(ctx, id.URL)
		}
		return msg
	}
}

func (m *Model) jump(n int, excerpt string) tea.Cmd {
	agent := m.deps.Agent
	if agent == nil {
		agent = pageagent.Detached{}
	}
	ctx := m.ctx
	return func() tea.Msg {
		return jumpMsg{n: n, result: pageagent.JumpToExcerpt(ctx, agent, excerpt)}
	}
}

func (m *Model) crawl(start string) tea.Cmd {
	events := m.events
	ctx := m.ctx
	c := m.deps.NewCrawler(func(ev crawler.PageEvent) {
		send(ctx, events, crawlPageMsg{ev: ev})
	})
	return func() tea.Msg {
		stats, err := c.Crawl(ctx, start)
		return crawlDoneMsg{start: start, stats: stats, err: err}
	}
}

func (m *Model) indexSite(site string) tea.Cmd {
	indexer := m.deps.Indexer
	ctx := m.ctx
	return func() tea.Msg {
		reply, err := indexer.IndexSite(ctx, site)
		return indexMsg{site: site, reply: reply, err: err}
	}
}

// listen waits for the next message on the event channel.
func listen(ctx context.Context, events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			return channelMsg{msg: msg}
		}
	}
}

// send delivers msg to the event loop unless ctx ends first.
func send(ctx context.Context, events chan<- tea.Msg, msg tea.Msg) {
	select {
	case events <- msg:
	case <-ctx.Done():
	}
}
