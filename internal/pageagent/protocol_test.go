package pageagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageassist/assist/internal/client"
)

func samplePage() *fakeAgent {
	return &fakeAgent{
		data: PageData{
			URL:   "https://example.org/pricing",
			Title: "Pricing",
			Text:  "The Pro plan costs $10 per month.",
			Links: []client.Link{{Text: "FAQ", Href: "https://example.org/faq"}},
		},
		links: []client.Link{{Text: "FAQ", Href: "https://example.org/faq"}},
		finds: map[string]bool{"Pro plan": true},
	}
}

func TestServe(t *testing.T) {
	ctx := context.Background()

	t.Run("page text", func(t *testing.T) {
		reply := Serve(ctx, samplePage(), Request{Type: ReqPageText})
		assert.Equal(t, "The Pro plan costs $10 per month.", reply.Text)
		assert.Empty(t, reply.Error)
	})

	t.Run("page data", func(t *testing.T) {
		reply := Serve(ctx, samplePage(), Request{Type: ReqPageData})
		require.NotNil(t, reply.Data)
		assert.Equal(t, "Pricing", reply.Data.Title)
		assert.Equal(t, "example.org", reply.Data.Domain())
	})

	t.Run("same domain links", func(t *testing.T) {
		reply := Serve(ctx, samplePage(), Request{Type: ReqSameDomainLinks})
		assert.Equal(t, []client.Link{{Text: "FAQ", Href: "https://example.org/faq"}}, reply.Links)
	})

	t.Run("jump found", func(t *testing.T) {
		reply := Serve(ctx, samplePage(), Request{Type: ReqJump, Excerpt: "Pro plan"})
		assert.True(t, reply.Found)
		assert.Empty(t, reply.Notice)
	})

	t.Run("jump missing", func(t *testing.T) {
		reply := Serve(ctx, samplePage(), Request{Type: ReqJump, Excerpt: "Enterprise plan"})
		assert.False(t, reply.Found)
		assert.Equal(t, NotFoundNotice, reply.Notice)
	})

	t.Run("ping", func(t *testing.T) {
		reply := Serve(ctx, samplePage(), Request{Type: ReqPing})
		assert.True(t, reply.Pong)
	})

	t.Run("unknown", func(t *testing.T) {
		reply := Serve(ctx, samplePage(), Request{Type: "SCROLL"})
		assert.Contains(t, reply.Error, `"SCROLL"`)
	})
}

func TestServeDetachedYieldsEmptyShapes(t *testing.T) {
	ctx := context.Background()

	data := Serve(ctx, nil, Request{Type: ReqPageData})
	require.NotNil(t, data.Data)
	assert.Equal(t, PageData{}, *data.Data)
	assert.Contains(t, data.Error, "unreachable")

	links := Serve(ctx, Detached{}, Request{Type: ReqSameDomainLinks})
	assert.NotNil(t, links.Links)
	assert.Empty(t, links.Links)
	assert.NotEmpty(t, links.Error)

	text := Serve(ctx, Detached{}, Request{Type: ReqPageText})
	assert.Empty(t, text.Text)
	assert.NotEmpty(t, text.Error)

	ping := Serve(ctx, Detached{}, Request{Type: ReqPing})
	assert.False(t, ping.Pong)
}

func TestRequestWireFormat(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"type":"JUMP_TO_POSITION","excerpt":"costs $10"}`), &req))
	assert.Equal(t, Request{Type: ReqJump, Excerpt: "costs $10"}, req)
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, PageData{}, Collect(ctx, nil))
	assert.Equal(t, PageData{}, Collect(ctx, Detached{}))
	assert.Equal(t, "Pricing", Collect(ctx, samplePage()).Title)
}
