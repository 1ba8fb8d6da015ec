package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/config"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

// Ask retries wait retryBaseDelay, doubling up to retryMaxDelay.
const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// HTTPClient makes REST calls to the answering backend.
type HTTPClient struct {
	baseURL    string
	token      string
	paths      config.BackendConfig
	retries    int
	retryDelay time.Duration
	client     *http.Client
	log        *zap.Logger
}

// NewHTTPClient creates a client for the backend described by cfg.
// Per-call deadlines come from the caller's context, so the underlying
// http.Client has no timeout of its own.
func NewHTTPClient(cfg config.BackendConfig, retries int, log *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		paths:      cfg,
		retries:    retries,
		retryDelay: retryBaseDelay,
		client:     &http.Client{},
		log:        log,
	}
}

// Ask runs the answer exchange for mode. Retries reuse the request id so the
// backend can recognise a repeated question.
func (c *HTTPClient) Ask(ctx context.Context, mode string, req AskRequest) (*FinalResult, error) {
	path := c.paths.Endpoints[mode]
	if path == "" {
		return nil, fmt.Errorf("no endpoint configured for mode %q", mode)
	}
	if mode == config.ModeSimple {
		req = AskRequest{Text: req.Text, Question: req.Question}
	}

	requestID := uuid.NewString()
	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(delay):
			}
			delay = min(delay*2, retryMaxDelay)
		}

		var out FinalResult
		err := c.post(ctx, path, requestID, req, &out)
		if err == nil {
			return &out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		c.log.Warn("answer exchange failed",
			zap.String("mode", mode),
			zap.String("request_id", requestID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// retryable reports whether a failed exchange may succeed when repeated.
// Client errors are final.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// AddPageData sends one crawled page to the ingestion endpoint.
func (c *HTTPClient) AddPageData(ctx context.Context, page PageReport) error {
	return c.post(ctx, c.paths.IngestPath, uuid.NewString(), page, nil)
}

// IsIndexed asks whether the site hosting pageURL has been indexed.
func (c *HTTPClient) IsIndexed(ctx context.Context, pageURL string) (*IndexStatus, error) {
	var out IndexStatus
	q := url.Values{"url": {pageURL}}
	if err := c.get(ctx, c.paths.IndexStatusPath+"?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IndexSite asks the backend to crawl and index the site at siteURL itself.
func (c *HTTPClient) IndexSite(ctx context.Context, siteURL string) (*IndexSiteReply, error) {
	var out IndexSiteReply
	body := map[string]string{"url": siteURL}
	if err := c.post(ctx, c.paths.IndexSitePath, uuid.NewString(), body, &out); err != nil {
		return nil, err
	}
	if out.Status == "error" {
		return &out, errors.New(out.Message)
	}
	return &out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(ctx context.Context, path, requestID string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	c.setAuth(req)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.log.Debug("backend call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: http.MethodPost, Path: path, Code: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
