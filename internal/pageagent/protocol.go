package pageagent

import (
	"context"
	"fmt"

	"github.com/pageassist/assist/internal/client"
)

// RequestType is the discriminator of a page agent request.
type RequestType string

const (
	ReqPageText        RequestType = "GET_PAGE_TEXT"
	ReqPageData        RequestType = "GET_PAGE_DATA"
	ReqSameDomainLinks RequestType = "GET_ALL_SAME_DOMAIN_LINKS"
	ReqJump            RequestType = "JUMP_TO_POSITION"
	ReqPing            RequestType = "PING"
)

// Request is one message to the page agent.
type Request struct {
	Type    RequestType `json:"type"`
	Excerpt string      `json:"excerpt,omitempty"`
}

// Reply mirrors the request: GET_PAGE_TEXT fills Text, GET_PAGE_DATA fills
// Data, GET_ALL_SAME_DOMAIN_LINKS fills Links, JUMP_TO_POSITION fills Found
// and Notice, PING fills Pong.
type Reply struct {
	Text   string        `json:"text,omitempty"`
	Data   *PageData     `json:"data,omitempty"`
	Links  []client.Link `json:"links,omitempty"`
	Found  bool          `json:"found,omitempty"`
	Notice string        `json:"notice,omitempty"`
	Pong   bool          `json:"pong,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Serve answers one request. An unreachable agent yields the empty shape of
// the requested reply with Error set, never a missing value.
func Serve(ctx context.Context, a Agent, req Request) Reply {
	if a == nil {
		a = Detached{}
	}
	switch req.Type {
	case ReqPageText:
		data, err := a.PageData(ctx)
		return Reply{Text: data.Text, Error: errText(err)}
	case ReqPageData:
		data, err := a.PageData(ctx)
		if err != nil {
			data = PageData{}
		}
		return Reply{Data: &data, Error: errText(err)}
	case ReqSameDomainLinks:
		links, err := a.SameDomainLinks(ctx)
		if links == nil {
			links = []client.Link{}
		}
		return Reply{Links: links, Error: errText(err)}
	case ReqJump:
		res := JumpToExcerpt(ctx, a, req.Excerpt)
		return Reply{Found: res.Found, Notice: res.Notice, Error: errText(res.Err)}
	case ReqPing:
		_, err := a.Identity(ctx)
		return Reply{Pong: err == nil, Error: errText(err)}
	default:
		return Reply{Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
