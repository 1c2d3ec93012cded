package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"sync"
	"time"
)

const (
	// DefaultMaxReconnect is the number of consecutive failed attempts after
	// which the client stops retrying and stays closed.
	DefaultMaxReconnect = 5

	// DefaultReconnectInterval is the fixed delay between reconnect
	// attempts. There is no exponential backoff; the consumer decides what
	// to do once the budget runs out.
	DefaultReconnectInterval = 3 * time.Second

	// DefaultHistorySize is the number of recent messages retained for
	// late-attaching observers.
	DefaultHistorySize = 100

	pingType = "ping"
	pongType = "pong"
)

// Channel names are path segments; keep them boring.
var channelPattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// Config holds the configuration for a stream client. Callbacks are optional
// and are invoked from the client's event path in arrival order; they must
// not block for long.
type Config struct {
	Logger *slog.Logger
	// Dialer overrides the transport. Leave nil for WebSocket.
	Dialer Dialer

	OnMessage    func(Message)
	OnConnect    func()
	OnDisconnect func(error)
	OnError      func(error)

	// BaseURL is the endpoint host, e.g. "wss://feed.example.com".
	// http(s) schemes are accepted and mapped to ws(s).
	BaseURL string
	// Channel is the stream to subscribe to, e.g. "logs".
	Channel string
	// Token is the access token, carried as a query parameter.
	Token string

	// MaxReconnect is the attempt ceiling. Zero means DefaultMaxReconnect;
	// a negative value disables automatic reconnection.
	MaxReconnect int
	// ReconnectInterval is the fixed delay between attempts. Zero means
	// DefaultReconnectInterval.
	ReconnectInterval time.Duration
	// HistorySize bounds the retained message history. Zero means
	// DefaultHistorySize; a negative value disables history.
	HistorySize int
}

// Client maintains a best-effort continuously-live subscription to one
// channel, self-healing across transient failures. It is safe for concurrent
// use, but assumes a single logical owner driving Connect and Disconnect.
type Client struct {
	logger *slog.Logger
	dialer Dialer
	hist   *history
	config Config
	url    string

	maxReconnect int
	interval     time.Duration

	mu       sync.Mutex
	conn     Conn
	retry    *time.Timer
	state    State
	gen      uint64
	attempts int
	terminal bool
}

// New creates a client for one channel. The subscription target is resolved
// here once and is immutable for the client's lifetime.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if config.Token == "" {
		return nil, errors.New("token is required")
	}
	if !channelPattern.MatchString(config.Channel) {
		return nil, fmt.Errorf("invalid channel name %q", config.Channel)
	}

	endpoint, err := resolveEndpoint(config.BaseURL, config.Channel, config.Token)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	logger = logger.With("channel", config.Channel)

	dialer := config.Dialer
	if dialer == nil {
		dialer = wsDialer{}
	}

	maxReconnect := config.MaxReconnect
	switch {
	case maxReconnect == 0:
		maxReconnect = DefaultMaxReconnect
	case maxReconnect < 0:
		maxReconnect = 0
	}

	interval := config.ReconnectInterval
	if interval == 0 {
		interval = DefaultReconnectInterval
	}

	histSize := config.HistorySize
	if histSize == 0 {
		histSize = DefaultHistorySize
	}

	return &Client{
		logger:       logger,
		dialer:       dialer,
		hist:         newHistory(histSize),
		config:       config,
		url:          endpoint,
		maxReconnect: maxReconnect,
		interval:     interval,
		state:        StateIdle,
	}, nil
}

// resolveEndpoint builds the opaque subscription address: base host, channel
// path segment, token query parameter.
func resolveEndpoint(base, channel, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", base)
	}
	u.Path = "/ws/" + channel
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the stream if it is not already connecting or open. It
// returns immediately; the outcome arrives through the callbacks. A manual
// Connect restarts the reconnect budget, so a consumer can revive a client
// that exhausted its attempts. Connect after Disconnect is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		c.logger.Warn("connect ignored: client is disconnected for good")
		return
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.stopRetryLocked()
	c.dialLocked()
	c.mu.Unlock()
}

// Disconnect cancels any pending reconnect, closes the transport and leaves
// the client closed. No callback fires after Disconnect returns, even if a
// late transport event arrives. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	c.terminal = true
	c.gen++ // events from any live connection are stale now
	c.stopRetryLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close on disconnect", "error", err)
		}
	}
	c.logger.Info("stream closed")
}

// Send marshals payload to JSON and writes it as one text frame. It reports
// false when the stream is not open or the write fails; the payload is
// dropped, not queued, and the caller owns any application-level retry.
func (c *Client) Send(payload any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.logger.Debug("send dropped: stream not open")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.emitError(fmt.Errorf("encode outbound message: %w", err))
		return false
	}
	if err := conn.WriteFrame(data); err != nil {
		c.emitError(fmt.Errorf("write frame: %w", err))
		return false
	}
	return true
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects returns the count of consecutive failed attempts since the
// last successful open.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// History returns the retained messages, most recent first.
func (c *Client) History() []Message {
	return c.hist.snapshot()
}

// Last returns the most recently received message, if any.
func (c *Client) Last() (Message, bool) {
	return c.hist.lastMessage()
}

// ClearHistory empties the history and forgets the last message. The
// connection is not affected.
func (c *Client) ClearHistory() {
	c.hist.clear()
}

// dialLocked starts a connection attempt. Caller holds c.mu.
func (c *Client) dialLocked() {
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	go c.dialAndRead(gen)
}

// stopRetryLocked cancels a pending reconnect timer. Caller holds c.mu.
// A timer callback that already fired blocks on c.mu and then finds its
// generation stale, so nothing slips through.
func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// dialAndRead performs one transport dial and, on success, pumps frames
// until the connection ends.
func (c *Client) dialAndRead(gen uint64) {
	conn, err := c.dialer.Dial(c.url)

	c.mu.Lock()
	if gen != c.gen || c.terminal {
		c.mu.Unlock()
		if err == nil {
			conn.Close() //nolint:errcheck // connection is already orphaned
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.emitError(err)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.giveUp(gen, err)
			return
		}
		c.connClosed(gen, err)
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempts = 0 // the counter resets strictly on reaching open
	c.mu.Unlock()

	c.logger.Info("stream connected")
	if cb := c.config.OnConnect; cb != nil {
		cb()
	}

	c.readFrames(gen, conn)
}

// readFrames delivers inbound frames to listeners in arrival order. It runs
// in the connection's own goroutine, which is what guarantees ordered,
// non-reentrant dispatch.
func (c *Client) readFrames(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadFrame()

		c.mu.Lock()
		stale := gen != c.gen || c.terminal
		c.mu.Unlock()
		if stale {
			return
		}

		if err != nil {
			if !isNormalClose(err) {
				c.emitError(fmt.Errorf("read frame: %w", err))
			}
			c.connClosed(gen, err)
			return
		}

		msg, perr := parseFrame(frame)
		if perr != nil {
			c.logger.Warn("dropping malformed frame", "size", len(frame), "error", perr)
			c.emitError(perr)
			continue
		}

		switch msg.Type {
		case pingType:
			// Liveness frames are answered, not delivered.
			pong, err := json.Marshal(Message{Type: pongType, Seq: msg.Seq})
			if err == nil {
				err = conn.WriteFrame(pong)
			}
			if err != nil {
				c.logger.Warn("pong failed", "seq", msg.Seq, "error", err)
			}
			continue
		case pongType:
			continue
		}

		c.hist.add(msg)
		if cb := c.config.OnMessage; cb != nil {
			cb(msg)
		}
	}
}

// connClosed runs the closure path: state to closed, notify, and schedule a
// reconnect while budget remains.
func (c *Client) connClosed(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.terminal {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // already failed or closed
		c.conn = nil
	}
	c.state = StateClosed

	scheduled := false
	attempt := 0
	if c.attempts < c.maxReconnect {
		c.attempts++
		attempt = c.attempts
		c.retry = time.AfterFunc(c.interval, func() { c.redial(gen) })
		scheduled = true
	}
	c.mu.Unlock()

	if scheduled {
		c.logger.Warn("stream lost, reconnecting",
			"error", cause, "attempt", attempt, "max", c.maxReconnect, "interval", c.interval)
	} else {
		c.logger.Error("stream lost, giving up", "error", cause, "attempts", c.maxReconnect)
	}

	if cb := c.config.OnDisconnect; cb != nil {
		cb(cause)
	}
}

// giveUp closes without scheduling a reconnect, regardless of budget.
func (c *Client) giveUp(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.terminal {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // already failed or closed
		c.conn = nil
	}
	c.state = StateClosed
	c.attempts = c.maxReconnect
	c.mu.Unlock()

	c.logger.Error("stream closed, not retrying", "error", cause)
	if cb := c.config.OnDisconnect; cb != nil {
		cb(cause)
	}
}

// redial is the reconnect timer callback.
func (c *Client) redial(gen uint64) {
	c.mu.Lock()
	if c.terminal || gen != c.gen || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.dialLocked()
	c.mu.Unlock()
}

func (c *Client) emitError(err error) {
	if cb := c.config.OnError; cb != nil {
		cb(err)
	}
}
