// Package crawler walks every page reachable from a start address through
// same-origin hyperlinks and reports each fetched page to the backend.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/config"
)

// Reporter receives every fetched page.
type Reporter interface {
	AddPageData(ctx context.Context, page client.PageReport) error
}

// PageEvent describes one visited address.
type PageEvent struct {
	URL       string
	Depth     int
	Status    int
	Bytes     int
	Links     int   // addresses newly queued from this page
	Err       error // fetch failure; the page was not reported
	ReportErr error
}

// Stats summarises a finished crawl.
type Stats struct {
	Visited      int
	Reported     int
	FetchErrors  int
	ReportErrors int
	Truncated    bool // stopped by max_pages with addresses still queued
	Elapsed      time.Duration
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithHTTPClient replaces the client used to fetch pages.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Crawler) { c.http = hc }
}

// WithOnPage installs a hook called once per visited address, in BFS order,
// from the goroutine running Crawl.
func WithOnPage(fn func(PageEvent)) Option {
	return func(c *Crawler) { c.onPage = fn }
}

// Crawler performs bounded breadth-first crawls.
type Crawler struct {
	cfg      config.CrawlConfig
	reporter Reporter
	http     *http.Client
	limiter  *rate.Limiter
	onPage   func(PageEvent)
	log      *zap.Logger
}

// New creates a crawler reporting to r.
func New(cfg config.CrawlConfig, r Reporter, log *zap.Logger, opts ...Option) *Crawler {
	c := &Crawler{
		cfg:      cfg,
		reporter: r,
		http:     &http.Client{},
		log:      log,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type queued struct {
	url   string
	depth int
}

type fetched struct {
	final  *url.URL // address after redirects; links resolve against it
	status int
	body   []byte
	html   bool
	err    error
}

// Crawl visits start and everything reachable from it on the same origin.
// Per-page failures are logged and counted; only an invalid start address or
// a cancelled context end the crawl with an error.
func (c *Crawler) Crawl(ctx context.Context, start string) (Stats, error) {
	began := time.Now()
	var stats Stats

	startURL, err := url.Parse(start)
	if err != nil {
		return stats, fmt.Errorf("parse start address: %w", err)
	}
	if !IsWeb(startURL) || startURL.Host == "" {
		return stats, fmt.Errorf("start address %q is not an http(s) URL", start)
	}
	filter := NewFilter(startURL)
	domain := startURL.Hostname()

	first := Canonical(startURL)
	queue := []queued{{url: first}}
	seen := map[string]bool{first: true} // visited or queued
	visited := make(map[string]bool)

	workers := max(c.cfg.Workers, 1)
	c.log.Info("crawl started", zap.String("start", first), zap.Int("workers", workers))

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(began)
			return stats, err
		}

		n := min(workers, len(queue))
		if c.cfg.MaxPages > 0 {
			n = min(n, c.cfg.MaxPages-stats.Visited)
		}
		if n <= 0 {
			stats.Truncated = true
			break
		}
		batch := queue[:n]
		queue = queue[n:]

		results := c.fetchBatch(ctx, batch)
		for i, item := range batch {
			if visited[item.url] {
				continue
			}
			visited[item.url] = true
			stats.Visited++

			ev := PageEvent{URL: item.url, Depth: item.depth}
			res := results[i]
			if res.err != nil {
				if ctx.Err() != nil {
					stats.Elapsed = time.Since(began)
					return stats, ctx.Err()
				}
				ev.Err = res.err
				stats.FetchErrors++
				c.log.Warn("crawl fetch failed", zap.String("url", item.url), zap.Error(res.err))
				c.emit(ev)
				continue
			}
			ev.Status = res.status
			ev.Bytes = len(res.body)

			report := client.PageReport{URL: item.url, HTML: string(res.body), Domain: domain}
			if err := c.report(ctx, report); err != nil {
				ev.ReportErr = err
				stats.ReportErrors++
				c.log.Warn("page ingestion failed", zap.String("url", item.url), zap.Error(err))
			} else {
				stats.Reported++
			}

			if res.html && (c.cfg.MaxDepth == 0 || item.depth < c.cfg.MaxDepth) {
				for _, link := range ExtractLinks(res.body, res.final, filter) {
					if seen[link.Href] {
						continue
					}
					seen[link.Href] = true
					queue = append(queue, queued{url: link.Href, depth: item.depth + 1})
					ev.Links++
				}
			}
			c.log.Debug("crawled page",
				zap.String("url", item.url),
				zap.Int("status", ev.Status),
				zap.Int("new_links", ev.Links),
				zap.Int("queued", len(queue)))
			c.emit(ev)
		}
	}

	stats.Elapsed = time.Since(began)
	c.log.Info("crawl finished",
		zap.String("start", first),
		zap.Int("visited", stats.Visited),
		zap.Int("reported", stats.Reported),
		zap.Int("fetch_errors", stats.FetchErrors),
		zap.Bool("truncated", stats.Truncated),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

func (c *Crawler) emit(ev PageEvent) {
	if c.onPage != nil {
		c.onPage(ev)
	}
}

// fetchBatch fetches every item concurrently and returns results in batch
// order. A single item is fetched on the calling goroutine.
func (c *Crawler) fetchBatch(ctx context.Context, batch []queued) []fetched {
	results := make([]fetched, len(batch))
	if len(batch) == 1 {
		results[0] = c.fetch(ctx, batch[0].url)
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range batch {
		g.Go(func() error {
			results[i] = c.fetch(gctx, item.url)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

var errNotOK = errors.New("unexpected status")

// report hands one page to the ingestion endpoint under the fetch timeout.
func (c *Crawler) report(ctx context.Context, page client.PageReport) error {
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}
	return c.reporter.AddPageData(ctx, page)
}

func (c *Crawler) fetch(ctx context.Context, addr string) fetched {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fetched{err: err}
		}
	}
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return fetched{err: err}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return fetched{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fetched{status: resp.StatusCode, err: fmt.Errorf("%w %d", errNotOK, resp.StatusCode)}
	}

	limit := c.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return fetched{status: resp.StatusCode, err: fmt.Errorf("read body: %w", err)}
	}

	return fetched{
		final:  resp.Request.URL,
		status: resp.StatusCode,
		body:   body,
		html:   isHTML(resp.Header.Get("Content-Type")),
	}
}

// isHTML reports whether a response is an HTML page. A missing content type
// counts as HTML.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
