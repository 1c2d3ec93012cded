package hub

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/msgops/feedwire/pkg/logger"
	"github.com/msgops/feedwire/pkg/security"
)

// WebSocket timing constants. The read deadline is longer than the ping
// interval so one answered ping always keeps the connection alive.
const (
	pingInterval   = 54 * time.Second
	readDeadline   = 60 * time.Second
	writeTimeout   = 10 * time.Second
	handshakeGrace = 5 * time.Second
	clientIDChars  = 8 // random suffix length for client IDs
)

// TokenVerifier checks an access token and returns the account it belongs
// to. The pkg/auth package provides implementations.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// WebSocketHandler serves GET /ws/{channel}?token=... subscriptions.
// Token and channel checks happen before the upgrade so rejected clients
// get a real HTTP status instead of a broken socket.
type WebSocketHandler struct {
	hub         *Hub
	verifier    TokenVerifier
	connLimiter *security.ConnectionLimiter
	channels    map[string]bool
}

// NewWebSocketHandler creates a handler serving the given channels.
func NewWebSocketHandler(h *Hub, verifier TokenVerifier, connLimiter *security.ConnectionLimiter, channels []string) *WebSocketHandler {
	allowed := make(map[string]bool, len(channels))
	for _, name := range channels {
		allowed[name] = true
	}
	return &WebSocketHandler{
		hub:         h,
		verifier:    verifier,
		connLimiter: connLimiter,
		channels:    allowed,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := security.ClientIP(r)

	channel := strings.TrimPrefix(r.URL.Path, "/ws/")
	if !ValidChannelName(channel) || !h.channels[channel] {
		logger.Warn("subscription rejected: unknown channel", logger.Fields{"ip": ip, "channel": channel})
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		logger.Warn("subscription rejected: missing token", logger.Fields{"ip": ip, "channel": channel})
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), handshakeGrace)
	account, err := h.verifier.Verify(verifyCtx, token)
	cancel()
	if err != nil {
		logger.Warn("subscription rejected: token verification failed", logger.Fields{
			"ip":      ip,
			"channel": channel,
			"reason":  err.Error(),
		})
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if !h.connLimiter.Add(ip) {
		logger.Warn("subscription rejected: connection limit", logger.Fields{"ip": ip})
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer h.connLimiter.Remove(ip)

	// The websocket server blocks here until the subscription ends.
	websocket.Handler(func(ws *websocket.Conn) {
		h.serve(ws, channel, account, ip)
	}).ServeHTTP(w, r)
}

// serve runs one subscription: register, push events, watch for pongs.
func (h *WebSocketHandler) serve(ws *websocket.Conn, channel, account, ip string) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	defer func() {
		if err := ws.Close(); err != nil {
			logger.Debug("websocket close", logger.Fields{"error": err.Error()})
		}
	}()

	clientID, err := newClientID()
	if err != nil {
		logger.Error("generate client ID", err, logger.Fields{"ip": ip})
		return
	}

	client := NewClient(clientID, channel, account, ws, h.hub)
	h.hub.Register(client)
	defer func() {
		h.hub.Unregister(client.ID)
		logger.Info("subscription ended", logger.Fields{"ip": ip, "client_id": client.ID, "channel": channel})
	}()

	logger.Info("subscription established", logger.Fields{
		"ip":        ip,
		"client_id": clientID,
		"channel":   channel,
		"account":   account,
	})

	go client.Run(ctx, pingInterval, writeTimeout)

	// Inbound frames only matter for liveness: pongs reset the deadline,
	// everything else is ignored.
	if err := ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		logger.Error("set read deadline", err, logger.Fields{"client_id": clientID})
		return
	}
	for {
		var frame struct {
			Type string `json:"type"`
			Seq  int64  `json:"seq"`
		}
		if err := websocket.JSON.Receive(ws, &frame); err != nil {
			return
		}
		if frame.Type == "pong" {
			client.RecordPong(frame.Seq)
		}
		if err := ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
	}
}

// newClientID builds a unique ID from the current time and a crypto-random
// suffix.
func newClientID() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	suffix := make([]byte, clientIDChars)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("random suffix: %w", err)
		}
		suffix[i] = charset[n.Int64()]
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), string(suffix)), nil
}
