package hub

import (
	"context"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/msgops/feedwire/pkg/logger"
)

// Client represents one connected WebSocket subscriber.
type Client struct {
	conn         *websocket.Conn
	send         chan Event
	hub          *Hub
	done         chan struct{}
	ID           string
	Channel      string
	Account      string
	lastPongTime time.Time
	mu           sync.RWMutex
	closeOnce    sync.Once
	pingSeq      int64
	lastPongSeq  int64
	missedPongs  int
}

// NewClient creates a client subscribed to one channel.
func NewClient(id, channel, account string, conn *websocket.Conn, h *Hub) *Client {
	return &Client{
		ID:      id,
		Channel: channel,
		Account: account,
		conn:    conn,
		send:    make(chan Event, 100),
		hub:     h,
		done:    make(chan struct{}),
	}
}

// Run pushes queued events and periodic pings to the client until the
// context ends or the connection fails.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	// Pings go out from their own goroutine so a burst of events cannot
	// starve liveness checks.
	go c.sendPings(ctx, pingInterval, writeTimeout)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("client send loop done", logger.Fields{"client_id": c.ID, "reason": ctx.Err()})
			return

		case <-c.done:
			return

		case event, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				logger.Error("set write deadline", err, logger.Fields{"client_id": c.ID})
				return
			}
			if err := websocket.JSON.Send(c.conn, event); err != nil {
				logger.Error("send event", err, logger.Fields{"client_id": c.ID})
				return
			}
		}
	}
}

// sendPings emits sequence-numbered ping frames at a fixed interval and
// tracks unanswered ones.
func (c *Client) sendPings(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.pingSeq > 0 && c.lastPongSeq < c.pingSeq {
				c.missedPongs++
				logger.Warn("client missed pong", logger.Fields{
					"client_id": c.ID,
					"ping_seq":  c.pingSeq,
					"missed":    c.missedPongs,
				})
			}
			c.pingSeq++
			seq := c.pingSeq
			c.mu.Unlock()

			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				logger.Error("set ping deadline", err, logger.Fields{"client_id": c.ID})
				return
			}
			ping := map[string]any{
				"type":      "ping",
				"seq":       seq,
				"timestamp": time.Now().Format(time.RFC3339),
			}
			if err := websocket.JSON.Send(c.conn, ping); err != nil {
				logger.Error("send ping", err, logger.Fields{"client_id": c.ID})
				return
			}
		}
	}
}

// RecordPong records receipt of a pong from the client.
func (c *Client) RecordPong(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastPongSeq = seq
	c.lastPongTime = time.Now()
	c.missedPongs = 0
}

// Close gracefully shuts the client down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
