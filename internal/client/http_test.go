package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pageassist/assist/internal/config"
)

func testBackend(baseURL string) config.BackendConfig {
	cfg := config.Default().Backend
	cfg.BaseURL = baseURL
	return cfg
}

func TestAskSimpleSendsTextAndQuestionOnly(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ask" {
			t.Errorf("path = %q, want /ask", r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"answer":"42","sources":[{"excerpt":"the answer is 42","title":"Guide"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 0, zaptest.NewLogger(t))
	res, err := c.Ask(context.Background(), config.ModeSimple, AskRequest{
		Text:     "page text",
		Question: "what is it?",
		Links:    []Link{{Text: "a", Href: "https://x.test/a"}},
		PageURL:  "https://x.test/",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if len(got) != 2 || got["text"] != "page text" || got["question"] != "what is it?" {
		t.Errorf("simple body = %v, want only text and question", got)
	}
	if res.Answer != "42" || len(res.Sources) != 1 || res.Sources[0].Title != "Guide" {
		t.Errorf("result = %+v", res)
	}
}

func TestAskDirectSendsDomain(t *testing.T) {
	var got AskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ask-website-rag" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"answer":"ok","sources":[],"visitedUrls":["https://x.test/b"]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 0, zaptest.NewLogger(t))
	res, err := c.Ask(context.Background(), config.ModeDirect, AskRequest{
		Text: "t", Question: "q", PageURL: "https://x.test/", Domain: "x.test",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got.Domain != "x.test" || got.PageURL != "https://x.test/" {
		t.Errorf("request = %+v", got)
	}
	if len(res.VisitedURLs) != 1 || res.VisitedURLs[0] != "https://x.test/b" {
		t.Errorf("visited = %v", res.VisitedURLs)
	}
}

func TestAskStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 0, zaptest.NewLogger(t))
	_, err := c.Ask(context.Background(), config.ModeNarrated, AskRequest{Question: "q"})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadGateway || se.Path != "/ask-smart" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestAskRetriesWithSameRequestID(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-ID"))
		n := len(ids)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"answer":"third time","sources":[]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 2, zaptest.NewLogger(t))
	c.retryDelay = time.Millisecond
	res, err := c.Ask(context.Background(), config.ModeSimple, AskRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != "third time" {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(ids) != 3 || ids[0] != ids[1] || ids[1] != ids[2] {
		t.Errorf("request ids = %v, want three identical", ids)
	}
}

func TestAskDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "question is required", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 3, zaptest.NewLogger(t))
	c.retryDelay = time.Millisecond
	_, err := c.Ask(context.Background(), config.ModeSimple, AskRequest{Question: "q"})

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("error = %v, want 400 StatusError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestAskBacksOffBetweenRetries(t *testing.T) {
	var mu sync.Mutex
	var at []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 2, zaptest.NewLogger(t))
	c.retryDelay = 20 * time.Millisecond
	if _, err := c.Ask(context.Background(), config.ModeSimple, AskRequest{Question: "q"}); err == nil {
		t.Fatal("Ask should fail after the last retry")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(at) != 3 {
		t.Fatalf("calls = %d, want 3", len(at))
	}
	if gap := at[1].Sub(at[0]); gap < 20*time.Millisecond {
		t.Errorf("first retry after %v, want at least 20ms", gap)
	}
	if gap := at[2].Sub(at[1]); gap < 40*time.Millisecond {
		t.Errorf("second retry after %v, want at least 40ms", gap)
	}
}

func TestAskStopsRetryingWhenCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 5, zaptest.NewLogger(t))
	c.retryDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	began := time.Now()
	_, err := c.Ask(ctx, config.ModeSimple, AskRequest{Question: "q"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want the last StatusError", err)
	}
	if time.Since(began) > 5*time.Second {
		t.Error("Ask kept waiting after the context ended")
	}
}

func TestAskUnknownMode(t *testing.T) {
	c := NewHTTPClient(testBackend("http://127.0.0.1:1"), 0, zaptest.NewLogger(t))
	if _, err := c.Ask(context.Background(), "loud", AskRequest{}); err == nil {
		t.Fatal("Ask with unknown mode should fail")
	}
}

func TestAddPageData(t *testing.T) {
	var got PageReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/add_page_data" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 0, zaptest.NewLogger(t))
	page := PageReport{URL: "https://x.test/a", HTML: "<p>a</p>", Domain: "x.test"}
	if err := c.AddPageData(context.Background(), page); err != nil {
		t.Fatalf("AddPageData: %v", err)
	}
	if got != page {
		t.Errorf("ingested %+v, want %+v", got, page)
	}
}

func TestIsIndexed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("url"); got != "https://x.test/docs?a=1" {
			t.Errorf("url param = %q", got)
		}
		w.Write([]byte(`{"indexed":true,"host":"x.test","source":"crawl"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 0, zaptest.NewLogger(t))
	st, err := c.IsIndexed(context.Background(), "https://x.test/docs?a=1")
	if err != nil {
		t.Fatalf("IsIndexed: %v", err)
	}
	if !st.Indexed || st.Host != "x.test" {
		t.Errorf("status = %+v", st)
	}
}

func TestIndexSiteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"robots.txt disallows crawling"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(testBackend(srv.URL), 0, zaptest.NewLogger(t))
	reply, err := c.IndexSite(context.Background(), "https://x.test/")
	if err == nil || err.Error() != "robots.txt disallows crawling" {
		t.Fatalf("err = %v", err)
	}
	if reply == nil || reply.Status != "error" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"indexed":false}`))
	}))
	defer srv.Close()

	cfg := testBackend(srv.URL)
	cfg.Token = "s3cret"
	c := NewHTTPClient(cfg, 0, zaptest.NewLogger(t))
	if _, err := c.IsIndexed(context.Background(), "https://x.test/"); err != nil {
		t.Fatalf("IsIndexed: %v", err)
	}
}
