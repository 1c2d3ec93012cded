// Package ingest provides the HTTP handler that producers publish events
// through, including HMAC signature validation of the payload before it is
// broadcast to channel subscribers.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/msgops/feedwire/pkg/hub"
	"github.com/msgops/feedwire/pkg/logger"
)

const (
	maxPayloadSize = 1 << 20 // 1MB

	// SignatureHeader carries the hex HMAC-SHA256 of the request body,
	// prefixed with "sha256=".
	SignatureHeader = "X-Feedwire-Signature-256"
)

// payload is the body producers POST to /publish/{channel}.
type payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler accepts producer events and forwards them to the hub.
type Handler struct {
	hub      *hub.Hub
	secret   string
	channels map[string]bool
}

// NewHandler creates a publish handler limited to the given channels.
func NewHandler(h *hub.Hub, secret string, channels []string) *Handler {
	allowed := make(map[string]bool, len(channels))
	for _, ch := range channels {
		allowed[ch] = true
	}
	return &Handler{hub: h, secret: secret, channels: allowed}
}

// ServeHTTP processes POST /publish/{channel} requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		logger.Warn("publish rejected: invalid method", logger.Fields{
			"method":      r.Method,
			"remote_addr": r.RemoteAddr,
			"path":        r.URL.Path,
		})
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channel := strings.TrimPrefix(r.URL.Path, "/publish/")
	if !h.channels[channel] {
		logger.Warn("publish rejected: unknown channel", logger.Fields{
			"channel":     channel,
			"remote_addr": r.RemoteAddr,
		})
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	if r.ContentLength > maxPayloadSize {
		logger.Warn("publish rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
			"channel":        channel,
		})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		logger.Error("error reading publish body", err, logger.Fields{"channel": channel})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			logger.Warn("failed to close request body", logger.Fields{"error": err})
		}
	}()

	if !VerifySignature(body, r.Header.Get(SignatureHeader), h.secret) {
		logger.Warn("publish rejected: signature verification failed", logger.Fields{
			"channel":          channel,
			"remote_addr":      r.RemoteAddr,
			"signature_exists": r.Header.Get(SignatureHeader) != "",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		logger.Warn("publish rejected: malformed payload", logger.Fields{
			"channel":      channel,
			"remote_addr":  r.RemoteAddr,
			"payload_size": len(body),
			"error":        err.Error(),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if p.Type == "" {
		http.Error(w, "missing event type", http.StatusBadRequest)
		return
	}

	h.hub.Broadcast(channel, hub.Event{
		Timestamp: time.Now(),
		Type:      p.Type,
		Data:      p.Data,
	})

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("OK")); err != nil {
		logger.Error("failed to write response", err, logger.Fields{"channel": channel})
	}

	logger.Info("event published", logger.Fields{
		"channel":      channel,
		"event_type":   p.Type,
		"payload_size": len(body),
		"subscribers":  h.hub.Subscribers(channel),
	})
}

// VerifySignature validates the hex HMAC-SHA256 signature of the payload.
// An empty secret rejects everything.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign computes the signature header value for a payload. Producers use it
// to sign outgoing publishes.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
