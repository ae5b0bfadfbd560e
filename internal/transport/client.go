// Package transport is a reconnecting, authenticated websocket client that
// exchanges JSON frames of a single message type with the signaling service.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/tunepair/internal/auth"
)

var log = logging.Logger("transport")

var (
	ErrAuthUnavailable = errors.New("auth token unavailable")
	ErrNotOpen         = errors.New("connection not open")
	ErrClosed          = errors.New("client closed")
)

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 30 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// Options configures a Client. BaseURL and Endpoint are joined verbatim,
// e.g. "ws://localhost:8080/ws" + "/rtc/signal".
type Options[T any] struct {
	BaseURL  string
	Endpoint string
	Params   url.Values
	Tokens   auth.Source

	NoReconnect          bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	OnMessage func(T)
	OnOpen    func()
	// OnClose receives the read error for an unexpected drop, nil for Close.
	OnClose func(error)
	OnError func(error)
	// OnReconnectExhausted fires once when reconnection gives up.
	OnReconnectExhausted func()
}

// Client owns one websocket connection at a time. Frames are delivered to
// OnMessage from a single reader goroutine in arrival order.
type Client[T any] struct {
	opts Options[T]

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      uint64
	closed   bool
	attempts int
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc

	writeMu sync.Mutex
}

// New creates a client. Nothing is dialed until Connect.
func New[T any](opts Options[T]) *Client[T] {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client[T]{opts: opts}
}

// Connect opens the connection and returns once the handshake completes.
// A missing token fails immediately with ErrAuthUnavailable and is not retried.
func (c *Client[T]) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.closed = false
	c.attempts = 0
	if c.ctx == nil || c.ctx.Err() != nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

// Connected reports whether a connection is currently open.
func (c *Client[T]) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes v as one JSON frame. Nothing is queued while disconnected.
func (c *Client[T]) Send(v T) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		log.Warnw("send while not connected, frame dropped", "endpoint", c.opts.Endpoint)
		framesDropped.WithLabelValues(c.opts.Endpoint, "not_open").Inc()
		return ErrNotOpen
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the connection down intentionally and cancels any pending
// reconnect. Safe to call more than once.
func (c *Client[T]) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := conn.Close()

	log.Infof("closed %s", c.opts.Endpoint)
	if c.opts.OnClose != nil {
		c.opts.OnClose(nil)
	}
	return err
}

func (c *Client[T]) dial(ctx context.Context) error {
	tok, err := c.token(ctx)
	if err != nil {
		log.Warnw("no auth token, not connecting", "endpoint", c.opts.Endpoint, "err", err)
		return err
	}

	target, err := c.url(tok)
	if err != nil {
		return err
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.Endpoint, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		// another dial won; keep the live connection
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.mu.Unlock()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
	})

	done := make(chan struct{})
	go c.readLoop(conn, gen, done)
	go c.pingLoop(conn, done)

	log.Infof("connected to %s", c.opts.Endpoint)
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
	return nil
}

func (c *Client[T]) token(ctx context.Context) (string, error) {
	if c.opts.Tokens == nil {
		return "", ErrAuthUnavailable
	}
	tok, err := c.opts.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if tok == "" {
		return "", ErrAuthUnavailable
	}
	return tok, nil
}

func (c *Client[T]) url(tok string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.BaseURL, "/") + c.opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid websocket scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("token", tok)
	for k, vs := range c.opts.Params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client[T]) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, gen, err)
			return
		}

		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			log.Warnw("dropping malformed frame", "endpoint", c.opts.Endpoint, "err", err)
			framesDropped.WithLabelValues(c.opts.Endpoint, "malformed").Inc()
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(v)
		}
	}
}

func (c *Client[T]) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debugw("ping failed", "endpoint", c.opts.Endpoint, "err", err)
				return
			}
		}
	}
}

// dropped handles the end of a connection's read loop. Connections that
// were already replaced or closed intentionally are ignored.
func (c *Client[T]) dropped(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warnw("connection lost", "endpoint", c.opts.Endpoint, "err", err)
	} else {
		log.Infow("connection closed by peer", "endpoint", c.opts.Endpoint, "err", err)
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
	c.scheduleReconnect()
}

func (c *Client[T]) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.opts.NoReconnect {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		c.exhausted()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.timer = time.AfterFunc(c.opts.ReconnectInterval, func() { c.reconnect(attempt) })
	c.mu.Unlock()
}

func (c *Client[T]) reconnect(attempt int) {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.timer = nil
	c.mu.Unlock()

	reconnectAttempts.WithLabelValues(c.opts.Endpoint).Inc()
	log.Infof("reconnecting to %s (attempt %d/%d)", c.opts.Endpoint, attempt, c.opts.MaxReconnectAttempts)

	err := c.dial(ctx)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrClosed), ctx.Err() != nil:
		return
	case errors.Is(err, ErrAuthUnavailable):
		c.exhausted()
		return
	}

	log.Warnw("reconnect failed", "endpoint", c.opts.Endpoint, "attempt", attempt, "err", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
	c.scheduleReconnect()
}

func (c *Client[T]) exhausted() {
	log.Errorw("giving up reconnecting", "endpoint", c.opts.Endpoint, "max_attempts", c.opts.MaxReconnectAttempts)
	if c.opts.OnReconnectExhausted != nil {
		c.opts.OnReconnectExhausted()
	}
}
