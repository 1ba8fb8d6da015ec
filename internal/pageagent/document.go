package pageagent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/crawler"
)

// Document is an Agent over a static HTML page.
type Document struct {
	data   PageData
	same   []client.Link
	folded string // lower-cased, whitespace-collapsed text for Find

	mu  sync.Mutex
	sel [2]int // byte range of the last match in folded, start -1 if none
}

// NewDocument parses body as the HTML page at pageURL.
func NewDocument(pageURL string, body []byte) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("page address: %w", err)
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	ex := extractor{base: base}
	ex.walk(root)

	d := &Document{
		data: PageData{
			URL:    pageURL,
			Title:  collapse(ex.title.String()),
			Text:   cleanText(ex.text.String()),
			Tables: ex.tables,
			Links:  ex.links,
			Images: ex.images,
		},
		sel: [2]int{-1, -1},
	}
	d.folded = strings.ToLower(collapse(d.data.Text))
	if crawler.IsWeb(base) {
		d.same = crawler.ExtractLinks(body, base, crawler.NewFilter(base))
	}
	return d, nil
}

// FetchDocument downloads pageURL and parses it, reading at most maxBytes.
func FetchDocument(ctx context.Context, hc *http.Client, pageURL string, maxBytes int64) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnreachable, pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pageURL, err)
	}
	return NewDocument(resp.Request.URL.String(), body)
}

func (d *Document) Identity(context.Context) (PageIdentity, error) {
	return PageIdentity{URL: d.data.URL, Title: d.data.Title}, nil
}

func (d *Document) PageData(context.Context) (PageData, error) {
	return d.data, nil
}

func (d *Document) SameDomainLinks(context.Context) ([]client.Link, error) {
	return d.same, nil
}

// Find searches the visible text case-insensitively, ignoring differences in
// whitespace, and records the match as the page selection.
func (d *Document) Find(_ context.Context, snippet string) (bool, error) {
	needle := strings.ToLower(collapse(snippet))
	if needle == "" {
		return false, nil
	}
	i := strings.Index(d.folded, needle)
	if i < 0 {
		return false, nil
	}
	d.mu.Lock()
	d.sel = [2]int{i, i + len(needle)}
	d.mu.Unlock()
	return true, nil
}

// Selection returns the last match with up to radius bytes of surrounding
// text on each side, or false if nothing has been found yet.
func (d *Document) Selection(radius int) (string, bool) {
	d.mu.Lock()
	sel := d.sel
	d.mu.Unlock()
	if sel[0] < 0 {
		return "", false
	}
	text := collapse(d.data.Text)
	start := max(0, sel[0]-radius)
	end := min(len(text), sel[1]+radius)
	for start > 0 && !utf8Start(text[start]) {
		start--
	}
	for end < len(text) && !utf8Start(text[end]) {
		end++
	}
	return text[start:end], true
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"svg": true, "iframe": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"header": true, "footer": true, "nav": true, "aside": true, "li": true,
	"ul": true, "ol": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "pre": true, "blockquote": true, "br": true,
	"tr": true, "table": true, "dl": true, "dt": true, "dd": true, "form": true,
}

type extractor struct {
	base   *url.URL
	title  strings.Builder
	text   strings.Builder
	tables []string
	links  []client.Link
	images []Image
	seen   map[string]bool
}

func (ex *extractor) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			ex.title.WriteString(textOf(n))
			return
		case "table":
			if md := tableMarkdown(n); md != "" {
				ex.tables = append(ex.tables, md)
			}
		case "a":
			ex.addLink(n)
		case "img":
			ex.addImage(n)
		}
		if skipElements[n.Data] {
			return
		}
		if blockElements[n.Data] {
			ex.text.WriteByte('\n')
		}
	}
	if n.Type == html.TextNode {
		ex.text.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		ex.walk(c)
	}
	if n.Type == html.ElementNode {
		switch {
		case blockElements[n.Data]:
			ex.text.WriteByte('\n')
		case n.Data == "td" || n.Data == "th":
			ex.text.WriteByte(' ')
		}
	}
}

func (ex *extractor) resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := ex.base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" && abs.Scheme != "data" {
		return "", false
	}
	return abs.String(), true
}

func (ex *extractor) addLink(n *html.Node) {
	href, ok := ex.resolve(attr(n, "href"))
	if !ok || strings.HasPrefix(href, "data:") {
		return
	}
	if ex.seen == nil {
		ex.seen = make(map[string]bool)
	}
	if ex.seen[href] {
		return
	}
	ex.seen[href] = true
	ex.links = append(ex.links, client.Link{Text: collapse(textOf(n)), Href: href})
}

func (ex *extractor) addImage(n *html.Node) {
	src, ok := ex.resolve(attr(n, "src"))
	if !ok {
		return
	}
	ex.images = append(ex.images, Image{Src: src, Alt: attr(n, "alt")})
}

// tableMarkdown renders a table's rows as a markdown table. The first row is
// the header. Cells of nested tables are not descended into.
func tableMarkdown(table *html.Node) string {
	var rows [][]string
	var collect func(n *html.Node)
	collect = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "table":
				continue
			case "tr":
				var cells []string
				for td := c.FirstChild; td != nil; td = td.NextSibling {
					if td.Type == html.ElementNode && (td.Data == "td" || td.Data == "th") {
						cells = append(cells, strings.ReplaceAll(collapse(textOf(td)), "|", `\|`))
					}
				}
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
			default:
				collect(c)
			}
		}
	}
	collect(table)
	if len(rows) == 0 {
		return ""
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}
	writeRow(rows[0])
	b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
	return strings.TrimRight(b.String(), "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText collapses runs of spaces within lines and drops blank lines.
func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = collapse(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
