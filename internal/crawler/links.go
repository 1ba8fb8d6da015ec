package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/pageassist/assist/internal/client"
)

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// IsWeb reports whether u uses one of the two standard web schemes.
func IsWeb(u *url.URL) bool {
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}

// Origin returns scheme://host[:port] with the scheme and host lower-cased
// and the scheme's default port omitted.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPorts[scheme] {
		host += ":" + port
	}
	return scheme + "://" + host
}

// Canonical is the address used for deduplication: the fragment is dropped
// and an empty path becomes "/".
func Canonical(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if port := c.Port(); port != "" && port == defaultPorts[c.Scheme] {
		c.Host = strings.TrimSuffix(c.Host, ":"+port)
	}
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}

// Filter decides which hyperlinks found on a page are worth crawling.
type Filter struct {
	origin string
}

// NewFilter restricts links to the origin of start.
func NewFilter(start *url.URL) Filter {
	return Filter{origin: Origin(start)}
}

// Allow resolves href against page and returns the canonical address if it
// is a web link on the filter's origin that does not point back at page.
func (f Filter) Allow(page *url.URL, href string) (string, bool) {
	return f.allow(page, page, href)
}

// allow resolves href against base; the self-loop check compares with self.
func (f Filter) allow(base, self *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if !IsWeb(abs) || Origin(abs) != f.origin {
		return "", false
	}
	canon := Canonical(abs)
	if canon == Canonical(self) {
		return "", false
	}
	return canon, true
}

// ExtractLinks parses an HTML body and returns its distinct crawlable links
// in document order. Relative hrefs resolve against pageURL, or against the
// document's <base href> when it has one.
func ExtractLinks(body []byte, pageURL *url.URL, f Filter) []client.Link {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	base := pageURL
	if href, ok := findBase(doc); ok {
		if ref, err := url.Parse(href); err == nil {
			base = pageURL.ResolveReference(ref)
		}
	}

	seen := make(map[string]bool)
	var links []client.Link
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if canon, ok := f.allow(base, pageURL, attr(n, "href")); ok && !seen[canon] {
				seen[canon] = true
				links = append(links, client.Link{Text: nodeText(n), Href: canon})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func findBase(n *html.Node) (string, bool) {
	if n.Type == html.ElementNode && n.Data == "base" {
		if href := attr(n, "href"); href != "" {
			return href, true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if href, ok := findBase(c); ok {
			return href, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText returns the whitespace-collapsed text beneath n.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
