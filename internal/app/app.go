package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/config"
	"github.com/pageassist/assist/internal/crawler"
	"github.com/pageassist/assist/internal/pageagent"
	"github.com/pageassist/assist/internal/session"
	"github.com/pageassist/assist/internal/theme"
	"github.com/pageassist/assist/internal/views/activity"
	"github.com/pageassist/assist/internal/views/status"
	"github.com/pageassist/assist/internal/views/transcript"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayActivity
)

// Deps are the collaborators of the terminal UI. Agent, Streams, Indexer and
// NewCrawler may be nil; the features that need them report as unavailable.
type Deps struct {
	Config     *config.Config
	Asker      Asker
	Indexer    Indexer
	Streams    StreamOpener
	Agent      pageagent.Agent
	NewCrawler func(onPage func(crawler.PageEvent)) Crawler
	Log        *zap.Logger
}

// Model is the root Bubble Tea model. All coordinator state is touched only
// from Update, which Bubble Tea runs on a single goroutine.
type Model struct {
	deps   Deps
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	coord   *session.Coordinator
	mode    string
	events  chan tea.Msg
	streams map[int64]io.Closer
	page    pageagent.PageIdentity

	// Sub-views.
	transcript *transcript.Model
	input      textinput.Model
	viewport   viewport.Model
	spinner    spinner.Model
	statusBar  status.Model
	activity   activity.Model
	overlay    Overlay

	animating bool
	crawling  bool
}

// New creates the root model.
func New(deps Deps) Model {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	ti := textinput.New()
	ti.Placeholder = "Ask about this page, or /mode /jump /crawl /index /quit"
	ti.Prompt = theme.GlyphUser + " "
	ti.CharLimit = 4096
	ti.Width = 80
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.StyleProgress

	vp := viewport.New(80, 20)

	mode := deps.Config.DefaultMode
	return Model{
		deps:    deps,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		keys:    DefaultKeyMap(),
		coord:   session.NewCoordinator(session.NewStore()),
		mode:    mode,
		events:  make(chan tea.Msg, 64),
		streams: make(map[int64]io.Closer),
		transcript: transcript.New(transcript.Options{
			Smoothing: deps.Config.Render.Smoothing,
			Style:     deps.Config.Render.MarkdownStyle,
			Width:     80,
		}),
		input:     ti,
		viewport:  vp,
		spinner:   sp,
		statusBar: status.New(mode),
		activity:  activity.New(),
	}
}

// Init starts the spinner, the event listener and the page lookup.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		listen(m.ctx, m.events),
		m.loadPage(),
	)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.input.Width = max(msg.Width-4, 10)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-6, 3)
		m.transcript.SetWidth(msg.Width - 2)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refresh()
		return m, cmd

	case channelMsg:
		next, cmd := m.Update(msg.msg)
		return next, tea.Batch(cmd, listen(m.ctx, m.events))

	case session.Input:
		return m.handleInput(msg)

	case streamReadyMsg:
		m.streams[msg.session] = msg.stream
		return m.handleInput(session.StreamOpened{Session: msg.session})

	case frameMsg:
		if m.transcript.Tick() {
			m.refresh()
			return m, frame()
		}
		m.animating = false
		m.refresh()
		return m, nil

	case pageMsg:
		if msg.err != nil {
			m.activity.Addf(activity.KindPage, "no page attached: %v", msg.err)
			return m, nil
		}
		m.page = msg.identity
		m.statusBar.Page = firstNonEmpty(msg.identity.Title, msg.identity.URL)
		if msg.index != nil {
			m.statusBar.Index = indexLabel(msg.index.Indexed)
		}
		m.activity.Addf(activity.KindPage, "attached to %s", msg.identity.URL)
		return m, nil

	case jumpMsg:
		if msg.result.Found {
			m.transcript.Notice(fmt.Sprintf("Showing source %d on the page.", msg.n))
		} else {
			m.transcript.Notice(msg.result.Notice)
		}
		if msg.result.Err != nil {
			m.activity.Addf(activity.KindError, "jump: %v", msg.result.Err)
		}
		m.refresh()
		return m, nil

	case crawlPageMsg:
		ev := msg.ev
		switch {
		case ev.Err != nil:
			m.activity.Addf(activity.KindError, "%s: %v", ev.URL, ev.Err)
		case ev.ReportErr != nil:
			m.activity.Addf(activity.KindError, "%s fetched but not reported: %v", ev.URL, ev.ReportErr)
		default:
			m.activity.Addf(activity.KindCrawl, "%s (%d links)", ev.URL, ev.Links)
		}
		return m, nil

	case crawlDoneMsg:
		m.crawling = false
		if msg.err != nil {
			m.transcript.Notice(fmt.Sprintf("Crawl of %s stopped: %v", msg.start, msg.err))
		} else {
			m.transcript.Notice(fmt.Sprintf("Crawled %d pages of %s (%d reported, %d failed).",
				msg.stats.Visited, msg.start, msg.stats.Reported, msg.stats.FetchErrors+msg.stats.ReportErrors))
		}
		m.refresh()
		return m, m.loadPage()

	case indexMsg:
		switch {
		case msg.err != nil:
			m.transcript.Notice(fmt.Sprintf("Indexing %s failed: %v", msg.site, msg.err))
		case msg.reply.Message != "":
			m.transcript.Notice(fmt.Sprintf("Index %s: %s (%s)", msg.site, msg.reply.Status, msg.reply.Message))
		default:
			m.transcript.Notice(fmt.Sprintf("Index %s: %s", msg.site, msg.reply.Status))
		}
		m.activity.Addf(activity.KindIndex, "index-site %s", msg.site)
		m.refresh()
		return m, m.loadPage()
	}

	return m, nil
}

// handleInput feeds one input to the coordinator, renders its instructions
// and starts its effects.
func (m Model) handleInput(in session.Input) (tea.Model, tea.Cmd) {
	out := m.coord.Handle(in)
	out.Apply(m.transcript)
	m.trackStream(in, out)

	cmd := m.runEffects(out.Effects)
	if !m.animating && m.transcript.Animating() {
		m.animating = true
		cmd = tea.Batch(cmd, frame())
	}
	m.refresh()
	return m, cmd
}

// trackStream keeps the status bar in step with the stream's lifecycle.
func (m *Model) trackStream(in session.Input, out session.Output) {
	store := m.coord.Store()
	m.statusBar.Session = store.CurrentID()
	_, m.statusBar.Busy = store.Current()

	for _, e := range out.Effects {
		switch e.Type {
		case session.EffectOpenStream:
			m.statusBar.Stream = status.StreamConnecting
		case session.EffectCloseStream:
			if owner, _ := store.StreamOwner(); owner == 0 {
				m.statusBar.Stream = status.StreamOff
			}
		}
	}

	switch in := in.(type) {
	case session.StreamOpened:
		if owner, open := store.StreamOwner(); open && owner == in.Session {
			m.statusBar.Stream = status.StreamLive
			m.activity.Addf(activity.KindStream, "stream live for #%d", in.Session)
		}
	case session.StreamClosed:
		delete(m.streams, in.Session)
		if in.Err != nil {
			m.activity.Addf(activity.KindError, "stream for #%d: %v", in.Session, in.Err)
			if in.Session == store.CurrentID() {
				m.statusBar.Stream = status.StreamLost
			}
		}
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m.quit()
	}

	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Activity):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Filter):
			m.activity.CycleFilter()
		case key.Matches(msg, m.keys.ScrollUp):
			m.activity.ScrollUp(5)
		case key.Matches(msg, m.keys.ScrollDown):
			m.activity.ScrollDown(5)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Activity):
		m.overlay = OverlayActivity
		return m, nil

	case key.Matches(msg, m.keys.CycleMode):
		m.setMode(nextMode(m.mode))
		return m, nil

	case key.Matches(msg, m.keys.ScrollUp):
		m.viewport.HalfViewUp()
		return m, nil

	case key.Matches(msg, m.keys.ScrollDown):
		m.viewport.HalfViewDown()
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		line := m.input.Value()
		m.input.Reset()
		return m.runLine(line)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// runLine executes one line typed into the input.
func (m Model) runLine(line string) (tea.Model, tea.Cmd) {
	c, err := parseCommand(line)
	if err != nil {
		m.transcript.Notice(err.Error())
		m.refresh()
		return m, nil
	}

	switch c.kind {
	case cmdAsk:
		if c.text == "" {
			return m, nil
		}
		return m.handleInput(session.Submit{Question: c.text, Mode: m.mode})

	case cmdMode:
		m.setMode(c.text)
		return m, nil

	case cmdJump:
		src, ok := m.transcript.Source(c.n)
		if !ok {
			m.transcript.Notice(fmt.Sprintf("There is no source %d.", c.n))
			m.refresh()
			return m, nil
		}
		return m, m.jump(c.n, src.Excerpt)

	case cmdCrawl:
		start, err := m.siteRoot()
		switch {
		case err != nil:
			m.transcript.Notice(fmt.Sprintf("Cannot crawl: %v", err))
		case m.deps.NewCrawler == nil:
			m.transcript.Notice("Crawling is not available.")
		case m.crawling:
			m.transcript.Notice("A crawl is already running.")
		default:
			m.crawling = true
			m.transcript.Notice(fmt.Sprintf("Crawling %s...", start))
			m.activity.Addf(activity.KindCrawl, "start %s", start)
			m.refresh()
			return m, m.crawl(start)
		}
		m.refresh()
		return m, nil

	case cmdIndex:
		start, err := m.siteRoot()
		switch {
		case err != nil:
			m.transcript.Notice(fmt.Sprintf("Cannot index: %v", err))
		case m.deps.Indexer == nil:
			m.transcript.Notice("Indexing is not available.")
		default:
			m.transcript.Notice(fmt.Sprintf("Asking the backend to index %s...", start))
			m.refresh()
			return m, m.indexSite(start)
		}
		m.refresh()
		return m, nil

	case cmdQuit:
		return m.quit()
	}
	return m, nil
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.cancel()
	streams := m.streams
	m.streams = make(map[int64]io.Closer)
	for _, s := range streams {
		_ = s.Close()
	}
	return m, tea.Quit
}

func (m *Model) setMode(mode string) {
	m.mode = mode
	m.statusBar.Mode = mode
	m.transcript.Notice(fmt.Sprintf("Mode: %s", mode))
	m.refresh()
}

// siteRoot returns the origin of the attached page.
func (m *Model) siteRoot() (string, error) {
	if m.page.URL == "" {
		return "", errors.New("no page is attached")
	}
	u, err := url.Parse(m.page.URL)
	if err != nil || !crawler.IsWeb(u) {
		return "", fmt.Errorf("%s is not a web page", m.page.URL)
	}
	return crawler.Origin(u) + "/", nil
}

// refresh re-renders the transcript into the viewport, following the bottom
// unless the user scrolled away from it.
func (m *Model) refresh() {
	follow := m.viewport.AtBottom()
	m.viewport.SetContent(m.transcript.View(m.spinner.View()))
	if follow {
		m.viewport.GotoBottom()
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.overlay == OverlayActivity {
		return m.activity.View(m.width, m.height)
	}

	help := theme.StyleDimmed.Render("  enter:ask  tab:mode  pgup/pgdn:scroll  ctrl+o:activity  ctrl+c:quit")
	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		m.viewport.View(),
		m.input.View(),
		help,
	)
}

func frame() tea.Cmd {
	return tea.Tick(transcript.FrameInterval, func(time.Time) tea.Msg { return frameMsg{} })
}

func indexLabel(indexed bool) string {
	if indexed {
		return "indexed"
	}
	return "not indexed"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
