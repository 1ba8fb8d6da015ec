// Package pageagent talks to the page the user is reading: it extracts the
// page's text, tables, links and images and locates answer excerpts in it.
package pageagent

import (
	"context"
	"errors"
	"net/url"

	"github.com/pageassist/assist/internal/client"
)

// ErrUnreachable means no page is attached or the page stopped answering.
var ErrUnreachable = errors.New("page agent unreachable")

// PageIdentity names the page an agent is attached to.
type PageIdentity struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Image is one <img> on the page.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt,omitempty"`
}

// PageData is everything the assistant reads from a page.
type PageData struct {
	URL    string        `json:"url"`
	Title  string        `json:"title"`
	Text   string        `json:"text"`
	Tables []string      `json:"tables"` // each table rendered as markdown
	Links  []client.Link `json:"links"`
	Images []Image       `json:"images"`
}

// Domain returns the host of the page URL, or "" when it has none.
func (d PageData) Domain() string {
	u, err := url.Parse(d.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Agent is the page-side helper.
type Agent interface {
	Identity(ctx context.Context) (PageIdentity, error)
	PageData(ctx context.Context) (PageData, error)
	SameDomainLinks(ctx context.Context) ([]client.Link, error)
	// Find reports whether snippet occurs in the page, case-insensitively,
	// and moves the page's selection to it when it does.
	Find(ctx context.Context, snippet string) (bool, error)
}

// Collect returns the page's data, or an empty PageData when the agent is
// missing or fails. Callers always get a well-formed value.
func Collect(ctx context.Context, a Agent) PageData {
	if a == nil {
		return PageData{}
	}
	data, err := a.PageData(ctx)
	if err != nil {
		return PageData{}
	}
	return data
}

// Detached is an Agent with no page behind it.
type Detached struct{}

func (Detached) Identity(context.Context) (PageIdentity, error) {
	return PageIdentity{}, ErrUnreachable
}

func (Detached) PageData(context.Context) (PageData, error) {
	return PageData{}, ErrUnreachable
}

func (Detached) SameDomainLinks(context.Context) ([]client.Link, error) {
	return nil, ErrUnreachable
}

func (Detached) Find(context.Context, string) (bool, error) {
	return false, ErrUnreachable
}
