package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout bounds the WebSocket upgrade. Individual connect
	// attempts have no other timeout; a hung dial resolves only through
	// the transport.
	handshakeTimeout = 45 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second
)

// AuthError reports an authentication or authorization failure during the
// handshake. Auth failures never trigger reconnection; a bad token does not
// get better by retrying.
type AuthError struct {
	message string
}

func (e *AuthError) Error() string {
	return e.message
}

// Conn is one live transport connection. ReadFrame blocks until the next
// text frame arrives or the connection terminates.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens transport connections to the resolved endpoint. The client
// uses one Dialer for its whole lifetime; tests inject fakes here to drive
// the reconnection policy without a network.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// wsDialer is the production Dialer, built on gorilla/websocket.
type wsDialer struct{}

func (wsDialer) Dial(url string) (Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake response body carries nothing we need
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, &AuthError{message: "authentication failed (401 Unauthorized): invalid or missing token"}
			case http.StatusForbidden:
				return nil, &AuthError{message: "authentication failed (403 Forbidden): token not allowed on this channel"}
			}
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a gorilla connection to the Conn interface.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		// The wire contract is one JSON object per text frame. Anything
		// else is ignored rather than treated as an error.
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// isNormalClose reports whether err represents an orderly shutdown rather
// than a transport fault. Orderly closes skip the OnError callback.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
