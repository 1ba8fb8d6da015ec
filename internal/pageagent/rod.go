package pageagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/crawler"
)

// pageDataJS runs in the page and returns its data as a JSON string.
const pageDataJS = `() => {
	const abs = (v) => { try { return new URL(v, document.baseURI).href; } catch (e) { return ""; } };
	const cell = (c) => c.innerText.replace(/\s+/g, " ").trim().replace(/\|/g, "\\|");
	const tables = Array.from(document.querySelectorAll("table")).map((t) => {
		const rows = Array.from(t.rows).map((r) => Array.from(r.cells).map(cell));
		if (rows.length === 0) return "";
		const width = Math.max(...rows.map((r) => r.length));
		const line = (r) => "|" + Array.from({length: width}, (_, i) => " " + (r[i] || "") + " |").join("");
		return [line(rows[0]), "|" + " --- |".repeat(width), ...rows.slice(1).map(line)].join("\n");
	}).filter((t) => t !== "");
	const seen = new Set();
	const links = [];
	for (const a of document.querySelectorAll("a[href]")) {
		const href = abs(a.getAttribute("href"));
		if (!/^https?:/.test(href) || seen.has(href)) continue;
		seen.add(href);
		links.push({text: a.innerText.trim(), href});
	}
	const images = Array.from(document.images)
		.map((img) => ({src: abs(img.getAttribute("src") || ""), alt: img.alt || ""}))
		.filter((img) => img.src !== "");
	return JSON.stringify({
		url: location.href,
		title: document.title,
		text: document.body ? document.body.innerText : "",
		tables, links, images,
	});
}`

// findJS selects the next occurrence of a string the way the browser's
// find bar does: case-insensitive and wrapping around.
const findJS = `(s) => window.find(s, false, false, true, false, false, false)`

// Rod is an Agent driving a live browser tab over the DevTools protocol.
type Rod struct {
	browser *rod.Browser
	page    *rod.Page
	log     *zap.Logger
}

// ConnectRod attaches to the browser at controlURL and picks the first tab
// showing a web page. controlURL may be a DevTools websocket address, an
// http address of the DevTools endpoint, or AutoControlURL.
func ConnectRod(ctx context.Context, controlURL string, log *zap.Logger) (*Rod, error) {
	if controlURL == AutoControlURL {
		found, err := DiscoverControlURL(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		log.Info("discovered browser", zap.String("control_url", found))
		controlURL = found
	}
	if strings.HasPrefix(controlURL, "http://") || strings.HasPrefix(controlURL, "https://") {
		ws, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %v", ErrUnreachable, controlURL, err)
		}
		controlURL = ws
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect to chrome: %v", ErrUnreachable, err)
	}

	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("%w: list tabs: %v", ErrUnreachable, err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.URL, "http://") || strings.HasPrefix(info.URL, "https://") {
			log.Info("page agent attached", zap.String("url", info.URL), zap.String("title", info.Title))
			return &Rod{browser: browser, page: p, log: log}, nil
		}
	}
	return nil, fmt.Errorf("%w: no tab is showing a web page", ErrUnreachable)
}

// NewRod wraps an already selected page.
func NewRod(browser *rod.Browser, page *rod.Page, log *zap.Logger) *Rod {
	return &Rod{browser: browser, page: page, log: log}
}

func (r *Rod) Identity(ctx context.Context) (PageIdentity, error) {
	info, err := r.page.Context(ctx).Info()
	if err != nil {
		return PageIdentity{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return PageIdentity{URL: info.URL, Title: info.Title}, nil
}

func (r *Rod) PageData(ctx context.Context) (PageData, error) {
	res, err := r.page.Context(ctx).Eval(pageDataJS)
	if err != nil {
		return PageData{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var data PageData
	if err := json.Unmarshal([]byte(res.Value.Str()), &data); err != nil {
		return PageData{}, fmt.Errorf("decode page data: %w", err)
	}
	return data, nil
}

func (r *Rod) SameDomainLinks(ctx context.Context) ([]client.Link, error) {
	data, err := r.PageData(ctx)
	if err != nil {
		return nil, err
	}
	return sameDomain(data), nil
}

func (r *Rod) Find(ctx context.Context, snippet string) (bool, error) {
	res, err := r.page.Context(ctx).Eval(findJS, snippet)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	found := res.Value.Bool()
	r.log.Debug("find in page", zap.String("snippet", snippet), zap.Bool("found", found))
	return found, nil
}

// sameDomain filters a page's links down to crawlable same-origin ones.
func sameDomain(data PageData) []client.Link {
	base, err := parseWeb(data.URL)
	if err != nil {
		return nil
	}
	f := crawler.NewFilter(base)
	seen := make(map[string]bool)
	var out []client.Link
	for _, l := range data.Links {
		canon, ok := f.Allow(base, l.Href)
		if !ok || seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, client.Link{Text: l.Text, Href: canon})
	}
	return out
}

func parseWeb(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !crawler.IsWeb(u) {
		return nil, fmt.Errorf("%s is not a web page", raw)
	}
	return u, nil
}
