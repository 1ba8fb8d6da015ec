package mockbackend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/client"
	"github.com/pageassist/assist/internal/config"
)

const shopText = "Welcome to the shop.\nThe Pro plan costs $10 per month.\nShipping is free."

type testBackend struct {
	srv  *Server
	http *httptest.Server
	cfg  *config.Config
	hc   *client.HTTPClient
}

func newTestBackend(t *testing.T, mutate func(*config.Config)) *testBackend {
	t.Helper()
	cfg := config.Default()
	cfg.Mock.EventDelay = 0
	cfg.Crawl.FetchTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	srv := NewServer(cfg, zap.NewNop())
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	cfg.Backend.BaseURL = ts.URL
	return &testBackend{
		srv:  srv,
		http: ts,
		cfg:  cfg,
		hc:   client.NewHTTPClient(cfg.Backend, 0, zap.NewNop()),
	}
}

func (b *testBackend) connect(t *testing.T, events chan<- client.StreamEvent) {
	t.Helper()
	transport := client.NewStreamTransport(b.cfg.Backend, b.cfg.Stream, zap.NewNop())
	stream, err := transport.Open(context.Background(), 1, client.Handler{
		Event: func(_ context.Context, _ int64, ev client.StreamEvent) {
			events <- ev
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })

	require.Eventually(t, func() bool { return b.srv.Relay().ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func collect(t *testing.T, events <-chan client.StreamEvent) []client.StreamEvent {
	t.Helper()
	var got []client.StreamEvent
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Kind == client.EventAnswerDone {
				return got
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("stream ended early after %d events", len(got))
			return nil
		}
	}
}

func TestNarratedAskStreamsTheAnswer(t *testing.T) {
	b := newTestBackend(t, nil)
	events := make(chan client.StreamEvent, 64)
	b.connect(t, events)

	links := []client.Link{{Text: "Plans", Href: "https://shop.test/plans"}}
	res, err := b.hc.Ask(context.Background(), config.ModeNarrated, client.AskRequest{
		Text:     shopText,
		Question: "How much is the Pro plan per month?",
		PageURL:  "https://shop.test/pricing",
		Links:    links,
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, client.StreamEvent{Kind: client.EventNarration, Text: "Reading https://shop.test/pricing"}, got[0])

	var streamed strings.Builder
	var suggested []client.Link
	resets := 0
	for _, ev := range got {
		switch ev.Kind {
		case client.EventAnswerDelta:
			streamed.WriteString(ev.Text)
		case client.EventAnswerReset:
			resets++
		case client.EventLinkSuggestion:
			suggested = ev.Links
		}
	}
	assert.Equal(t, 1, resets)
	assert.Equal(t, links, suggested)
	assert.Equal(t, res.Answer, streamed.String())

	assert.Equal(t, "The Pro plan costs $10 per month.", res.Answer)
	require.NotNil(t, res.Sufficient)
	assert.True(t, *res.Sufficient)
	assert.Equal(t, links, res.SelectedLinks)
	assert.Equal(t, []string{"https://shop.test/pricing"}, res.VisitedURLs)
}

func TestSimpleAsk(t *testing.T) {
	b := newTestBackend(t, nil)

	t.Run("quotes the matching sentence", func(t *testing.T) {
		res, err := b.hc.Ask(context.Background(), config.ModeSimple, client.AskRequest{
			Text:     shopText,
			Question: "How much is the Pro plan per month?",
		})
		require.NoError(t, err)
		assert.Equal(t, "The Pro plan costs $10 per month.", res.Answer)
		require.Len(t, res.Sources, 1)
		assert.Equal(t, "The Pro plan costs $10 per month.", res.Sources[0].Excerpt)
		assert.Empty(t, res.SelectedLinks)
	})

	t.Run("nothing relevant", func(t *testing.T) {
		res, err := b.hc.Ask(context.Background(), config.ModeSimple, client.AskRequest{
			Text:     shopText,
			Question: "Do you deliver to Mars?",
		})
		require.NoError(t, err)
		assert.Equal(t, noAnswer, res.Answer)
		require.NotNil(t, res.Sufficient)
		assert.False(t, *res.Sufficient)
		assert.Empty(t, res.Sources)
	})
}

func TestIngestThenDirectAsk(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()

	res, err := b.hc.Ask(ctx, config.ModeDirect, client.AskRequest{Question: "How large can uploads be?", Domain: "docs.test"})
	require.NoError(t, err)
	assert.Equal(t, notIndexed, res.Answer)

	err = b.hc.AddPageData(ctx, client.PageReport{
		URL:    "https://docs.test/limits",
		HTML:   "<html><head><title>Limits</title></head><body><p>Uploads are capped at 5 MB.</p><p>Contact us.</p></body></html>",
		Domain: "docs.test",
	})
	require.NoError(t, err)

	status, err := b.hc.IsIndexed(ctx, "https://docs.test/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, client.IndexStatus{Indexed: true, Host: "docs.test", Source: SourceIngest}, *status)

	status, err = b.hc.IsIndexed(ctx, "https://other.test/")
	require.NoError(t, err)
	assert.False(t, status.Indexed)

	res, err = b.hc.Ask(ctx, config.ModeDirect, client.AskRequest{Question: "How large can uploads be?", Domain: "docs.test"})
	require.NoError(t, err)
	assert.Equal(t, "Uploads are capped at 5 MB.", res.Answer)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "https://docs.test/limits", res.Sources[0].URL)
	assert.Equal(t, "Limits", res.Sources[0].Title)
}

func TestIndexSiteCrawlsInBackground(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><p>Home page.</p><a href="/about">About</a></body></html>`)
		case "/about":
			fmt.Fprint(w, `<html><head><title>About</title></head><body><p>We were founded in 2001.</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer site.Close()

	b := newTestBackend(t, nil)
	ctx := context.Background()

	reply, err := b.hc.IndexSite(ctx, site.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "started", reply.Status)

	host := "127.0.0.1"
	require.Eventually(t, func() bool { return len(b.srv.documents(host)) == 2 },
		5*time.Second, 20*time.Millisecond)

	status, err := b.hc.IsIndexed(ctx, site.URL+"/about")
	require.NoError(t, err)
	assert.True(t, status.Indexed)
	assert.Equal(t, SourceCrawl, status.Source)

	reply, err = b.hc.IndexSite(ctx, site.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "already_indexed", reply.Status)
}

func TestIndexSiteRejectsNonWebAddress(t *testing.T) {
	b := newTestBackend(t, nil)

	reply, err := b.hc.IndexSite(context.Background(), "ftp://files.test/")
	require.Error(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "error", reply.Status)
}

func TestAskRejectsBadRequests(t *testing.T) {
	b := newTestBackend(t, nil)
	endpoint := b.http.URL + b.cfg.Endpoint(config.ModeSimple)

	resp, err := http.Post(endpoint, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(endpoint, "application/json", strings.NewReader(`{"text":"x","question":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(endpoint)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthorization(t *testing.T) {
	b := newTestBackend(t, func(cfg *config.Config) { cfg.Backend.Token = "secret" })
	endpoint := b.http.URL + b.cfg.Endpoint(config.ModeSimple)

	resp, err := http.Post(endpoint, "application/json", strings.NewReader(`{"text":"a","question":"b"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = b.hc.Ask(context.Background(), config.ModeSimple, client.AskRequest{Text: shopText, Question: "Is shipping free?"})
	assert.NoError(t, err)

	wsURL := client.StreamURL(b.http.URL, b.cfg.Backend.StreamPath)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=secret", nil)
	require.NoError(t, err)
	conn.Close()
}

func TestRelayRemovesDisconnectedClients(t *testing.T) {
	b := newTestBackend(t, nil)
	wsURL := client.StreamURL(b.http.URL, b.cfg.Backend.StreamPath)

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()

	relay := b.srv.Relay()
	require.Eventually(t, func() bool { return relay.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return relay.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	relay.Broadcast(client.StreamEvent{Kind: client.EventNarration, Text: "still here"})
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, client.StreamEvent{Kind: client.EventNarration, Text: "still here"}, client.DecodeEvent(data))
}
