// ABOUTME: WebSocket client that subscribes to channels and broadcasts frames
// ABOUTME: Reconnects on write failure and restores subscriptions on the new connection

package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned after Close.
var ErrClientClosed = errors.New("socket client closed")

const defaultWriteTimeout = 10 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ConnectAttempts  int
	SendAttempts     int
	RetryDelay       time.Duration

	// Signer, when set, adds an Authorization bearer token to each handshake.
	Signer       *TokenSigner
	TokenSubject string

	Logger *slog.Logger
}

// subscription is one reference-counted channel subscription. ready is
// closed once the subscribe frame has been written or has failed.
type subscription struct {
	refs  int
	ready chan struct{}
	err   error
	live  bool // subscribe frame written
}

// Client is a connection to a socket broadcaster. Writes are serialised and
// subscriptions are reference counted so that concurrent work items on the
// same channel do not unsubscribe each other.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	closed bool
}

// NewClient creates a Client. Call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 3
	}
	if cfg.SendAttempts < 1 {
		cfg.SendAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: cfg.Logger.With("component", "socket"),
		subs:   make(map[string]*subscription),
	}
}

// Connect dials the broadcaster, retrying up to ConnectAttempts times.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.conn != nil {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		err := c.dialLocked(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn("socket connect failed", "url", c.cfg.URL, "attempt", attempt, "error", lastErr)
		if attempt < c.cfg.ConnectAttempts {
			if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("connecting to %s after %d attempts: %w", c.cfg.URL, c.cfg.ConnectAttempts, lastErr)
}

// dialLocked opens a connection and re-subscribes known channels. Must be called with mu held.
func (c *Client) dialLocked(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Signer != nil {
		token, err := c.cfg.Signer.Generate(c.cfg.TokenSubject, time.Hour)
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	for channel, sub := range c.subs {
		if !sub.live {
			continue // its Acquire writes the frame
		}
		msg, err := subscriptionFrame(ActionSubscribe, channel)
		if err != nil {
			conn.Close()
			return err
		}
		if err := writeWithDeadline(ctx, conn, msg); err != nil {
			conn.Close()
			return fmt.Errorf("restoring subscription %s: %w", channel, err)
		}
	}

	c.conn = conn
	go c.readLoop(conn)
	c.logger.Info("socket connected", "url", c.cfg.URL, "subscriptions", len(c.subs))
	return nil
}

// readLoop drains inbound messages so control frames are processed, and
// drops the connection once the peer goes away.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				if !c.closed {
					c.logger.Warn("socket connection lost", "error", err)
				}
			}
			c.mu.Unlock()
			conn.Close()
			return
		}
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Acquire subscribes to channel on first reference. Later callers wait until
// the first caller's subscribe frame has been written.
func (c *Client) Acquire(ctx context.Context, channel string) error {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	if ok {
		sub.refs++
		c.mu.Unlock()
		select {
		case <-sub.ready:
		case <-ctx.Done():
			c.drop(channel, sub)
			return ctx.Err()
		}
		if sub.err != nil {
			c.drop(channel, sub)
			return sub.err
		}
		return nil
	}
	sub = &subscription{refs: 1, ready: make(chan struct{})}
	c.subs[channel] = sub
	c.mu.Unlock()

	err := c.subscribe(ctx, channel)

	c.mu.Lock()
	sub.err = err
	sub.live = err == nil
	if err != nil && c.subs[channel] == sub {
		// Waiters share the failure; the next Acquire starts afresh.
		delete(c.subs, channel)
	}
	close(sub.ready)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.logger.Debug("subscribed", "channel", channel)
	return nil
}

func (c *Client) subscribe(ctx context.Context, channel string) error {
	msg, err := subscriptionFrame(ActionSubscribe, channel)
	if err != nil {
		return err
	}
	if err := c.write(ctx, msg); err != nil {
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	return nil
}

// drop removes one reference to a subscription that never became usable for
// the caller. No unsubscribe frame is sent.
func (c *Client) drop(channel string, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.refs--; sub.refs <= 0 && c.subs[channel] == sub {
		delete(c.subs, channel)
	}
}

// Release drops one reference to channel and unsubscribes at zero.
func (c *Client) Release(ctx context.Context, channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	if sub.refs > 1 {
		sub.refs--
		c.mu.Unlock()
		return
	}
	delete(c.subs, channel)
	c.mu.Unlock()

	msg, err := subscriptionFrame(ActionUnsubscribe, channel)
	if err != nil {
		return
	}
	if err := c.write(ctx, msg); err != nil {
		c.logger.Warn("unsubscribe failed", "channel", channel, "error", err)
		return
	}
	c.logger.Debug("unsubscribed", "channel", channel)
}

// Send broadcasts payload to subscribers of channel.
func (c *Client) Send(ctx context.Context, channel string, payload any) error {
	msg, err := EncodeFrame(channel, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

// write sends msg, reconnecting and retrying up to SendAttempts times.
func (c *Client) write(ctx context.Context, msg []byte) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.SendAttempts; attempt++ {
		err := c.writeOnce(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(lastErr, ErrClientClosed) || ctx.Err() != nil {
			break
		}
		c.logger.Warn("socket send failed", "attempt", attempt, "error", lastErr)
		if attempt < c.cfg.SendAttempts {
			if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
				break
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("socket send failed: %w", lastErr)
}

func (c *Client) writeOnce(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return err
		}
	}
	if err := writeWithDeadline(ctx, c.conn, msg); err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func writeWithDeadline(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Close unsubscribes from every channel and closes the connection.
// It is safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for channel, sub := range c.subs {
		if !sub.live {
			continue
		}
		if msg, err := subscriptionFrame(ActionUnsubscribe, channel); err == nil {
			_ = writeWithDeadline(ctx, conn, msg)
		}
	}
	c.subs = make(map[string]*subscription)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
