package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/streamview/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL          string
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
	Header       http.Header
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	return c
}

// BuildURL returns raw if set, otherwise assembles ws(s)://host/path.
func BuildURL(raw, host, path string, tls bool) (string, error) {
	if raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("signal url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", fmt.Errorf("signal url: unsupported scheme %q", u.Scheme)
		}
		return u.String(), nil
	}
	if host == "" {
		return "", errors.New("signal url: neither url nor host configured")
	}
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	return u.String(), nil
}

// Link is the client side of the signaling WebSocket. A single read goroutine
// delivers text and binary frames in wire order; a single write goroutine
// drains the send queue.
type Link struct {
	conn   *websocket.Conn
	cfg    Config
	send   chan core.Frame
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool

	startOnce sync.Once
	closeOnce sync.Once

	onMessage func(core.Message)
	onBinary  func(core.Frame)
	onOpen    func()
	onClose   func(error)
	onError   func(error)
}

var _ core.Link = (*Link)(nil)

func Dial(ctx context.Context, cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	log.Info().Str("module", "signal").Str("url", cfg.URL).Msg("connected")
	return newLink(conn, cfg), nil
}

func newLink(conn *websocket.Conn, cfg Config) *Link {
	return &Link{
		conn:   conn,
		cfg:    cfg,
		send:   make(chan core.Frame, cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "signal").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

func (l *Link) OnMessage(fn func(core.Message)) { l.onMessage = fn }
func (l *Link) OnBinary(fn func(core.Frame))    { l.onBinary = fn }
func (l *Link) OnOpen(fn func())                { l.onOpen = fn }
func (l *Link) OnClose(fn func(error))          { l.onClose = fn }
func (l *Link) OnError(fn func(error))          { l.onError = fn }

// Done is closed once the link has shut down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Send serializes m into one text frame. It never blocks.
func (l *Link) Send(m core.Message) error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: %q", core.ErrUnknownMessageType, m.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	return l.TrySend(data)
}

func (l *Link) TrySend(f core.Frame) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return core.ErrLinkClosed
	}
	select {
	case l.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (l *Link) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		if l.onOpen != nil {
			l.onOpen()
		}
		go l.writePump(ctx)
		go l.readPump(ctx)
		go func() {
			select {
			case <-ctx.Done():
				l.shutdown(nil)
			case <-l.done:
			}
		}()
	})
}

// Close drops queued sends and closes the connection. OnClose fires once.
func (l *Link) Close() {
	l.shutdown(nil)
}

// shutdown closes the connection once. OnClose runs after the once has
// completed, so the handler may call Close again.
func (l *Link) shutdown(cause error) {
	fired := false
	l.closeOnce.Do(func() {
		fired = true
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)

		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = l.conn.Close()

		if cause != nil {
			l.logger.Warn().Err(cause).Msg("link closed")
		} else {
			l.logger.Info().Msg("link closed")
		}
	})
	if fired && l.onClose != nil {
		l.onClose(cause)
	}
}

func (l *Link) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *Link) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case data := <-l.send:
			if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
				l.fail(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (l *Link) readPump(ctx context.Context) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.isClosed() || ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.shutdown(nil)
				return
			}
			l.fail(fmt.Errorf("read: %w", err))
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if l.onBinary != nil {
				l.onBinary(core.Frame(data))
			}
		case websocket.TextMessage:
			l.handleText(data)
		}
	}
}

func (l *Link) handleText(data []byte) {
	var m core.Message
	if err := json.Unmarshal(data, &m); err != nil {
		l.logger.Error().Err(err).Int("bytes", len(data)).Msg("bad json")
		return
	}
	if !m.Type.Known() {
		l.logger.Warn().Str("type", string(m.Type)).Msg("unknown signal")
		return
	}
	if l.onMessage != nil {
		l.onMessage(m)
	}
}

func (l *Link) fail(err error) {
	if l.isClosed() {
		return
	}
	l.logger.Error().Err(err).Msg("transport error")
	if l.onError != nil {
		l.onError(err)
	}
	l.shutdown(err)
}

// NewDialer binds cfg into a core.Dialer for the runner.
func NewDialer(cfg Config) core.Dialer {
	return func(ctx context.Context) (core.Link, error) {
		l, err := Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}
