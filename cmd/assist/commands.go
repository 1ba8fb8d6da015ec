package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/app"
	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/crawler"
	"github.com/pageassist/assist/internal/mockbackend"
	"github.com/pageassist/assist/internal/pageagent"
	"github.com/pageassist/assist/internal/session"
	"github.com/pageassist/assist/internal/views/transcript"
)

var (
	crawlMaxPages int
	crawlWorkers  int
	crawlRate     float64

	mockHost string
	mockPort int
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Start the terminal interface (default)",
	Args:  cobra.NoArgs,
	RunE:  runTUI,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question and print the transcript",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var crawlCmd = &cobra.Command{
	Use:   "crawl <url>",
	Short: "Crawl a site and send every page to the backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runCrawl,
}

var indexCmd = &cobra.Command{
	Use:   "index <url>",
	Short: "Ask the backend to crawl and index a site itself",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

var statusCmd = &cobra.Command{
	Use:   "status <url>",
	Short: "Report whether the site hosting a page is indexed",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var pageCmd = &cobra.Command{
	Use:   "page [type] [excerpt]",
	Short: "Answer page agent requests and print the replies as JSON",
	Long: `page answers one page agent request, such as GET_PAGE_DATA,
GET_ALL_SAME_DOMAIN_LINKS or JUMP_TO_POSITION <excerpt>. Without arguments it
reads one JSON request per line from stdin and writes one reply per line.`,
	RunE: runPage,
}

var mockCmd = &cobra.Command{
	Use:   "mock-backend",
	Short: "Serve a scripted answering backend for local use",
	Args:  cobra.NoArgs,
	RunE:  runMockBackend,
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// buildDeps wires the backend clients and the page agent from cfg.
func buildDeps(ctx context.Context) (app.Deps, error) {
	httpClient := client.NewHTTPClient(cfg.Backend, cfg.Exchange.Retries, logger.Named("http"))
	transport := client.NewStreamTransport(cfg.Backend, cfg.Stream, logger.Named("stream"))

	agent, err := buildAgent(ctx)
	if err != nil {
		return app.Deps{}, err
	}

	crawlLog := logger.Named("crawl")
	return app.Deps{
		Config:  cfg,
		Asker:   httpClient,
		Indexer: httpClient,
		Streams: app.TransportOpener(transport),
		Agent:   agent,
		NewCrawler: func(onPage func(crawler.PageEvent)) app.Crawler {
			return crawler.New(cfg.Crawl, httpClient, crawlLog, crawler.WithOnPage(onPage))
		},
		Log: logger,
	}, nil
}

// buildAgent picks the page agent: a live browser tab when a control URL is
// configured, otherwise a fetched document, otherwise no page at all.
func buildAgent(ctx context.Context) (pageagent.Agent, error) {
	switch {
	case cfg.Page.ControlURL != "":
		r, err := pageagent.ConnectRod(ctx, cfg.Page.ControlURL, logger.Named("page"))
		if err != nil {
			return nil, fmt.Errorf("connect to browser: %w", err)
		}
		return r, nil
	case cfg.Page.URL != "":
		hc := &http.Client{Timeout: cfg.Crawl.FetchTimeout}
		doc, err := pageagent.FetchDocument(ctx, hc, cfg.Page.URL, cfg.Crawl.MaxBodyBytes)
		if err != nil {
			return nil, fmt.Errorf("load page: %w", err)
		}
		return doc, nil
	}
	return pageagent.Detached{}, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	logger.Info("starting terminal interface",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("mode", cfg.DefaultMode))

	p := tea.NewProgram(app.New(deps), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("terminal interface: %w", err)
	}
	return nil
}

// failureWatch forwards instructions and remembers whether the exchange
// failed.
type failureWatch struct {
	sink   session.Sink
	failed bool
}

func (f *failureWatch) Render(in session.Instruction) {
	if in.Type == session.RenderProgressError {
		f.failed = true
	}
	f.sink.Render(in)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, err := buildDeps(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	watch := &failureWatch{sink: transcript.NewPrinter(out, printerStyle(out), 80)}
	question := strings.Join(args, " ")
	if err := app.RunOnce(ctx, deps, cfg.DefaultMode, question, watch); err != nil {
		return err
	}
	if watch.failed {
		return errQuiet
	}
	return nil
}

// printerStyle renders markdown only when writing to a terminal.
func printerStyle(w io.Writer) string {
	f, ok := w.(*os.File)
	if !ok {
		return ""
	}
	info, err := f.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return ""
	}
	return cfg.Render.MarkdownStyle
}

func runPage(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	agent, err := buildAgent(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		return servePageRequests(ctx, agent, cmd.InOrStdin(), out)
	}

	req := pageagent.Request{
		Type:    pageagent.RequestType(strings.ToUpper(args[0])),
		Excerpt: strings.Join(args[1:], " "),
	}
	reply := pageagent.Serve(ctx, agent, req)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errQuiet
	}
	return nil
}

// servePageRequests answers newline-delimited JSON requests until in ends.
func servePageRequests(ctx context.Context, agent pageagent.Agent, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req pageagent.Request
		reply := pageagent.Reply{}
		if err := json.Unmarshal(line, &req); err != nil {
			reply.Error = fmt.Sprintf("invalid request: %v", err)
		} else {
			reply = pageagent.Serve(ctx, agent, req)
		}
		logger.Debug("page request", zap.String("type", string(req.Type)), zap.String("error", reply.Error))
		if err := enc.Encode(reply); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return sc.Err()
}

func runCrawl(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	crawlCfg := cfg.Crawl
	if cmd.Flags().Changed("max-pages") {
		crawlCfg.MaxPages = crawlMaxPages
	}
	if cmd.Flags().Changed("workers") {
		crawlCfg.Workers = crawlWorkers
	}
	if cmd.Flags().Changed("rps") {
		crawlCfg.RequestsPerSecond = crawlRate
	}

	out := cmd.OutOrStdout()
	httpClient := client.NewHTTPClient(cfg.Backend, cfg.Exchange.Retries, logger.Named("http"))
	c := crawler.New(crawlCfg, httpClient, logger.Named("crawl"), crawler.WithOnPage(func(ev crawler.PageEvent) {
		switch {
		case ev.Err != nil:
			fmt.Fprintf(out, "  ✗ %s: %v\n", ev.URL, ev.Err)
		case ev.ReportErr != nil:
			fmt.Fprintf(out, "  ! %s: not reported: %v\n", ev.URL, ev.ReportErr)
		default:
			fmt.Fprintf(out, "  ✓ %s (%d bytes, %d new links)\n", ev.URL, ev.Bytes, ev.Links)
		}
	}))

	stats, err := c.Crawl(ctx, args[0])
	fmt.Fprintf(out, "Visited %d pages in %s: %d reported, %d fetch errors, %d report errors",
		stats.Visited, stats.Elapsed.Round(time.Millisecond), stats.Reported, stats.FetchErrors, stats.ReportErrors)
	if stats.Truncated {
		fmt.Fprintf(out, " (stopped at max_pages)")
	}
	fmt.Fprintln(out)
	return err
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	httpClient := client.NewHTTPClient(cfg.Backend, cfg.Exchange.Retries, logger.Named("http"))
	reply, err := httpClient.IndexSite(ctx, args[0])
	if err != nil {
		return fmt.Errorf("index %s: %w", args[0], err)
	}
	msg := reply.Status
	if reply.Message != "" {
		msg += ": " + reply.Message
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	httpClient := client.NewHTTPClient(cfg.Backend, cfg.Exchange.Retries, logger.Named("http"))
	status, err := httpClient.IsIndexed(ctx, args[0])
	if err != nil {
		return fmt.Errorf("index status: %w", err)
	}
	if !status.Indexed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is not indexed\n", status.Host)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is indexed (%s)\n", status.Host, status.Source)
	return nil
}

func runMockBackend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	mockCfg := cfg.Mock
	if cmd.Flags().Changed("host") {
		mockCfg.Host = mockHost
	}
	if cmd.Flags().Changed("port") {
		mockCfg.Port = mockPort
	}

	srvCfg := *cfg
	srvCfg.Mock = mockCfg
	srv := mockbackend.NewServer(&srvCfg, logger.Named("mock"))
	defer srv.Close()

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	fmt.Fprintf(cmd.OutOrStdout(), "Mock backend on http://%s:%d (stream %s)\n",
		mockCfg.Host, mockCfg.Port, cfg.Backend.StreamPath)
	return mockbackend.ListenAndServe(ctx, mockCfg.Host, mockCfg.Port, mux, logger.Named("mock"))
}
