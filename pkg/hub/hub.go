// Package hub fans out feedwire events to WebSocket subscribers. Each client
// subscribes to exactly one named channel ("logs", "monitoring", "tasks");
// events published to a channel are pushed to every client on it.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/msgops/feedwire/pkg/logger"
)

// Event is one unit pushed to the subscribers of a channel. It is encoded
// as a single JSON text frame on the wire.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hub manages WebSocket clients and per-channel event distribution.
// It runs in its own goroutine and handles client registration,
// unregistration, and broadcasting.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan string
	broadcast  chan broadcastMsg
	stop       chan struct{}
	stopped    chan struct{}
	mu         sync.RWMutex
}

// broadcastMsg pairs an event with its target channel.
type broadcastMsg struct {
	channel string
	event   Event
}

// NewHub creates a new client hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan string),
		broadcast:  make(chan broadcastMsg, 64),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. The context should come from main for
// proper lifecycle management.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup()

	for {
		select {
		case <-ctx.Done():
			logger.Info("hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info("hub stop requested", nil)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			logger.Info("client registered", logger.Fields{"client_id": client.ID, "channel": client.Channel})

		case clientID := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[clientID]; ok {
				delete(h.clients, clientID)
				client.Close()
				h.mu.Unlock()
				logger.Info("client unregistered", logger.Fields{"client_id": clientID})
			} else {
				h.mu.Unlock()
			}

		case msg := <-h.broadcast:
			// Snapshot the channel's clients to minimize lock time.
			h.mu.RLock()
			snapshot := make([]*Client, 0, len(h.clients))
			for _, client := range h.clients {
				if client.Channel == msg.channel {
					snapshot = append(snapshot, client)
				}
			}
			h.mu.RUnlock()

			dropped := 0
			for _, client := range snapshot {
				// Non-blocking send; a slow consumer loses events rather
				// than stalling the channel.
				select {
				case client.send <- msg.event:
				default:
					dropped++
					logger.Warn("event dropped: client buffer full", logger.Fields{"client_id": client.ID})
				}
			}
			logger.Debug("event broadcast", logger.Fields{
				"channel":     msg.channel,
				"type":        msg.event.Type,
				"subscribers": len(snapshot),
				"dropped":     dropped,
			})
		}
	}
}

// Broadcast queues an event for every subscriber of the channel.
func (h *Hub) Broadcast(channel string, event Event) {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, event: event}:
	default:
		// Hub is at capacity or shutting down; drop the event. There is no
		// replay across the wire anyway.
		logger.Warn("dropping broadcast: hub at capacity or shutting down", logger.Fields{"channel": channel})
	}
}

// Register registers a new client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister unregisters a client by ID.
func (h *Hub) Unregister(clientID string) {
	h.unregister <- clientID
}

// Subscribers returns the number of clients currently on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, client := range h.clients {
		if client.Channel == channel {
			n++
		}
	}
	return n
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
		// Already stopped
	default:
		close(h.stop)
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.stopped
}

// cleanup closes all client connections during shutdown.
func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.Close()
	}
	h.clients = nil
}
