// Package mockbackend serves a scripted stand-in for the answering service:
// the three answer endpoints, page ingestion, site indexing and the event
// stream. Answers quote the sentences of the page that best match the
// question.
package mockbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/config"
	"github.com/pageassist/assist/internal/crawler"
	"github.com/pageassist/assist/internal/pageagent"
)

// Index sources reported by the is-indexed endpoint.
const (
	SourceIngest = "ingest"
	SourceCrawl  = "index-site"
)

const notIndexed = "This site has not been indexed yet. Crawl or index it first."

type site struct {
	source string
	pages  map[string]document // by URL
}

type Server struct {
	backend config.BackendConfig
	crawl   config.CrawlConfig
	delay   time.Duration
	relay   *Relay
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sites    map[string]*site // by host
	indexing map[string]bool
}

func NewServer(cfg *config.Config, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend:  cfg.Backend,
		crawl:    cfg.Crawl,
		delay:    cfg.Mock.EventDelay,
		relay:    NewRelay(log),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sites:    make(map[string]*site),
		indexing: make(map[string]bool),
	}
}

func (s *Server) Relay() *Relay {
	return s.relay
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.backend.StreamPath, s.handleStream)
	for mode, path := range s.backend.Endpoints {
		mux.HandleFunc(path, s.handleAsk(mode))
	}
	mux.HandleFunc(s.backend.IngestPath, s.handleIngest)
	mux.HandleFunc(s.backend.IndexStatusPath, s.handleIndexStatus)
	mux.HandleFunc(s.backend.IndexSitePath, s.handleIndexSite)
}

// Close stops background indexing and disconnects stream clients.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.relay.Close()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("stream upgrade failed", zap.Error(err))
		return
	}

	s.log.Info("stream client connected", zap.String("remote", r.RemoteAddr))
	c := s.relay.AddClient(conn)

	go func() {
		defer func() {
			s.relay.RemoveClient(c)
			s.log.Info("stream client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleAsk(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req client.AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			http.Error(w, "question is required", http.StatusBadRequest)
			return
		}

		log := s.log.With(zap.String("mode", mode), zap.String("request_id", r.Header.Get("X-Request-ID")))
		log.Info("question", zap.String("question", req.Question))

		var res client.FinalResult
		switch mode {
		case config.ModeNarrated:
			script := BuildScript(req.Question, []document{{URL: req.PageURL, Text: req.Text}}, req.Links)
			if err := s.play(r.Context(), script.Events()); err != nil {
				log.Info("client went away", zap.Error(err))
				return
			}
			res = script.Result(true)
		case config.ModeDirect:
			docs := s.documents(req.Domain)
			if len(docs) == 0 {
				found := false
				res = client.FinalResult{Answer: notIndexed, Sufficient: &found}
				break
			}
			res = BuildScript(req.Question, docs, nil).Result(false)
		default:
			res = BuildScript(req.Question, []document{{Text: req.Text}}, nil).Result(false)
		}
		writeJSON(w, res)
	}
}

// play broadcasts evs with the configured delay between them.
func (s *Server) play(ctx context.Context, evs []client.StreamEvent) error {
	for i, ev := range evs {
		if i > 0 && s.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.delay):
			}
		}
		s.relay.Broadcast(ev)
	}
	return nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var page client.PageReport
	if err := json.NewDecoder(r.Body).Decode(&page); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ingest(page, SourceIngest); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// ingest parses page and files it under its host.
func (s *Server) ingest(page client.PageReport, source string) error {
	u, err := url.Parse(page.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid page url %q", page.URL)
	}
	doc, err := pageagent.NewDocument(page.URL, []byte(page.HTML))
	if err != nil {
		return err
	}
	data, _ := doc.PageData(context.Background())

	host := page.Domain
	if host == "" {
		host = u.Hostname()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sites[host]
	if !ok {
		st = &site{source: source, pages: make(map[string]document)}
		s.sites[host] = st
	}
	st.pages[page.URL] = document{URL: data.URL, Title: data.Title, Text: data.Text}
	s.log.Debug("page ingested", zap.String("url", page.URL), zap.String("source", source))
	return nil
}

func (s *Server) documents(host string) []document {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sites[host]
	if !ok {
		return nil
	}
	docs := make([]document, 0, len(st.pages))
	for _, d := range st.pages {
		docs = append(docs, d)
	}
	return docs
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	u, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil || u.Host == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	host := u.Hostname()

	s.mu.Lock()
	st, ok := s.sites[host]
	status := client.IndexStatus{Host: host, Indexed: ok}
	if ok {
		status.Source = st.source
	}
	s.mu.Unlock()
	writeJSON(w, status)
}

func (s *Server) handleIndexSite(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(body.URL)
	if err != nil || !crawler.IsWeb(u) || u.Host == "" {
		writeJSON(w, client.IndexSiteReply{Status: "error", Message: fmt.Sprintf("not an http(s) address: %q", body.URL)})
		return
	}
	host := u.Hostname()

	s.mu.Lock()
	_, indexed := s.sites[host]
	running := s.indexing[host]
	if !indexed && !running {
		s.indexing[host] = true
	}
	s.mu.Unlock()

	switch {
	case indexed:
		writeJSON(w, client.IndexSiteReply{Status: "already_indexed", Message: host + " is already indexed"})
	case running:
		writeJSON(w, client.IndexSiteReply{Status: "in_progress", Message: "indexing " + host})
	default:
		s.wg.Add(1)
		go s.indexSite(host, u.String())
		writeJSON(w, client.IndexSiteReply{Status: "started", Message: "indexing " + host})
	}
}

// indexSite crawls start in the background, filing every page it fetches.
func (s *Server) indexSite(host, start string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.indexing, host)
		s.mu.Unlock()
	}()

	c := crawler.New(s.crawl, siteReporter{s}, s.log.Named("index"))
	stats, err := c.Crawl(s.ctx, start)
	if err != nil {
		s.log.Warn("index-site failed", zap.String("site", start), zap.Error(err))
		return
	}
	s.log.Info("index-site finished",
		zap.String("site", start),
		zap.Int("visited", stats.Visited),
		zap.Int("reported", stats.Reported),
		zap.Duration("elapsed", stats.Elapsed),
	)
}

// siteReporter files crawled pages directly, skipping the HTTP round trip.
type siteReporter struct {
	s *Server
}

func (r siteReporter) AddPageData(_ context.Context, page client.PageReport) error {
	return r.s.ingest(page, SourceCrawl)
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.backend.Token
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token
}

// checkOrigin admits clients without an Origin header and loopback origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves mux on host:port until ctx is cancelled.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux, log *zap.Logger) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		log.Info("mock backend listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
