package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pageassist/assist/internal/config"
)

const writeTimeout = 10 * time.Second

var (
	// ErrSuperseded is returned by Open when a newer session asked for the
	// stream while this one was still dialing.
	ErrSuperseded = errors.New("stream superseded by a newer session")
	// ErrClosed reports a stream that was closed by its owner.
	ErrClosed = errors.New("stream closed")
)

// Handler receives the output of one stream. Event is called sequentially, in
// receive order. Closed is called at most once, when the connection is lost
// and cannot be re-established. Neither is called after Stream.Close returns.
// ctx is cancelled when the stream is closed; a handler that blocks must
// select on it. Handlers must not call Stream.Close themselves.
type Handler struct {
	Event  func(ctx context.Context, sessionID int64, ev StreamEvent)
	Closed func(ctx context.Context, sessionID int64, err error)
}

// StreamTransport owns the single live event-stream connection.
type StreamTransport struct {
	url    string
	token  string
	cfg    config.StreamConfig
	dialer *websocket.Dialer
	log    *zap.Logger

	mu      sync.Mutex
	current *Stream
	latest  int64 // highest session id that asked for a stream
}

// NewStreamTransport creates a transport for the backend's stream endpoint.
func NewStreamTransport(backend config.BackendConfig, cfg config.StreamConfig, log *zap.Logger) *StreamTransport {
	return &StreamTransport{
		url:    StreamURL(backend.BaseURL, backend.StreamPath),
		token:  backend.Token,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

// StreamURL converts http://host:port + path into ws://host:port/path.
func StreamURL(baseURL, path string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "ws://localhost:5000" + path
	}
	scheme := "ws"
	if strings.HasPrefix(u.Scheme, "https") || strings.HasPrefix(u.Scheme, "wss") {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path)
}

// Open closes whatever stream is live and connects a new one for sessionID.
// A dial that finishes after a newer session called Open is discarded and
// ErrSuperseded is returned.
func (t *StreamTransport) Open(ctx context.Context, sessionID int64, h Handler) (*Stream, error) {
	t.mu.Lock()
	if sessionID < t.latest {
		t.mu.Unlock()
		return nil, ErrSuperseded
	}
	t.latest = sessionID
	prev := t.current
	t.current = nil
	t.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if sessionID < t.latest || t.current != nil {
		t.mu.Unlock()
		conn.Close()
		return nil, ErrSuperseded
	}
	s := newStream(ctx, t, sessionID, h)
	t.current = s
	t.mu.Unlock()

	t.log.Debug("stream opened", zap.Int64("session", sessionID), zap.String("url", t.url))
	s.start(conn)
	return s, nil
}

// Current returns the live stream, if any.
func (t *StreamTransport) Current() *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Close shuts down the live stream.
func (t *StreamTransport) Close() {
	t.mu.Lock()
	s := t.current
	t.current = nil
	t.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (t *StreamTransport) detach(s *Stream) {
	t.mu.Lock()
	if t.current == s {
		t.current = nil
	}
	t.mu.Unlock()
}

func (t *StreamTransport) header() http.Header {
	if t.token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + t.token}}
}

// dial connects with exponential backoff, up to cfg.DialAttempts tries.
func (t *StreamTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	delay := t.cfg.ReconnectBaseDelay
	var lastErr error
	for attempt := 1; attempt <= t.cfg.DialAttempts; attempt++ {
		conn, _, err := t.dialer.DialContext(ctx, t.url, t.header())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == t.cfg.DialAttempts {
			break
		}
		t.log.Warn("stream dial failed",
			zap.String("url", t.url),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, t.cfg.ReconnectMaxDelay)
	}
	return nil, fmt.Errorf("dial %s: %w", t.url, lastErr)
}

// Stream is one open event-stream connection bound to a session.
type Stream struct {
	SessionID int64

	t       *StreamTransport
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex // held while a handler runs; Close takes it to fence handlers
	closed bool

	connMu sync.Mutex
	conn   *websocket.Conn
}

func newStream(parent context.Context, t *StreamTransport, sessionID int64, h Handler) *Stream {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Stream{
		SessionID: sessionID,
		t:         t,
		handler:   h,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (s *Stream) start(conn *websocket.Conn) {
	s.setConn(conn)
	context.AfterFunc(s.ctx, s.closeConn)
	go s.run(conn)
}

// Close stops the stream. It is idempotent, and once it returns no handler
// call is in progress and none will start.
func (s *Stream) Close() error {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	<-s.done
	s.t.detach(s)
	return nil
}

// Done is closed when the stream's read loop has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) setConn(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *Stream) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.conn.Close()
	s.conn = nil
}

func (s *Stream) run(conn *websocket.Conn) {
	defer close(s.done)
	for {
		err := s.readLoop(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.t.log.Warn("stream dropped, reconnecting",
			zap.Int64("session", s.SessionID), zap.Error(err))

		conn, err = s.t.dial(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.notifyClosed(err)
			}
			return
		}
		if !s.setConn(conn) {
			return
		}
	}
}

// readLoop reads until the connection fails, dispatching each message.
func (s *Stream) readLoop(conn *websocket.Conn) error {
	pingCtx, stopPing := context.WithCancel(s.ctx)
	defer stopPing()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.t.cfg.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(s.t.cfg.PongTimeout))
	go s.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}
		if !s.deliver(DecodeEvent(data)) {
			return ErrClosed
		}
	}
}

func (s *Stream) deliver(ev StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.handler.Event != nil {
		s.handler.Event(s.ctx, s.SessionID, ev)
	}
	return true
}

func (s *Stream) notifyClosed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.t.detach(s)
	if s.handler.Closed != nil {
		s.handler.Closed(s.ctx, s.SessionID, err)
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled.
func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if s.t.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
