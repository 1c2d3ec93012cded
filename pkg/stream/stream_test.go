package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeFrame is one inbound event on a fake connection: either a frame or a
// terminal read error.
type fakeFrame struct {
	err  error
	data []byte
}

// fakeConn is a scriptable Conn for driving the state machine without a
// network.
type fakeConn struct {
	inbound chan fakeFrame
	writes  chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan fakeFrame, 64),
		writes:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f.data, f.err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.done:
		return errors.New("use of closed connection")
	default:
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(frame string) {
	c.inbound <- fakeFrame{data: []byte(frame)}
}

func (c *fakeConn) fail(err error) {
	c.inbound <- fakeFrame{err: err}
}

// fakeDialer hands out fake connections and can be scripted to fail.
type fakeDialer struct {
	conns    chan *fakeConn
	mu       sync.Mutex
	dials    int
	failNext int
	failAll  bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.failAll || d.dials <= d.failNext
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

// recorder collects callback invocations on channels.
type recorder struct {
	msgs        chan Message
	connects    chan struct{}
	disconnects chan error
	errs        chan error
}

func newRecorder() *recorder {
	return &recorder{
		msgs:        make(chan Message, 256),
		connects:    make(chan struct{}, 16),
		disconnects: make(chan error, 16),
		errs:        make(chan error, 256),
	}
}

func newTestClient(t *testing.T, d *fakeDialer, rec *recorder, tweak func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:           "ws://feed.test",
		Channel:           "logs",
		Token:             "secret",
		Dialer:            d,
		MaxReconnect:      -1,
		ReconnectInterval: 10 * time.Millisecond,
		OnMessage:         func(m Message) { rec.msgs <- m },
		OnConnect:         func() { rec.connects <- struct{}{} },
		OnDisconnect:      func(err error) { rec.disconnects <- err },
		OnError:           func(err error) { rec.errs <- err },
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitConnect(t *testing.T, rec *recorder) {
	t.Helper()
	select {
	case <-rec.connects:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connect callback")
	}
}

func nextMsg(t *testing.T, rec *recorder) Message {
	t.Helper()
	select {
	case m := <-rec.msgs:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestDeliveryOrderAndHistory(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)
	defer c.Disconnect()

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)
	assert.Equal(t, StateOpen, c.State())

	const n = 10
	for i := range n {
		conn.push(fmt.Sprintf(`{"type":"log","data":{"line":%d}}`, i))
	}

	for i := range n {
		msg := nextMsg(t, rec)
		assert.Equal(t, "log", msg.Type)
		assert.JSONEq(t, fmt.Sprintf(`{"line":%d}`, i), string(msg.Data))
	}

	hist := c.History()
	require.Len(t, hist, n)
	assert.JSONEq(t, fmt.Sprintf(`{"line":%d}`, n-1), string(hist[0].Data))
	assert.JSONEq(t, `{"line":0}`, string(hist[n-1].Data))

	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, hist[0], last)
}

func TestMalformedFrameDropped(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)
	defer c.Disconnect()

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)

	conn.push(`{"type":"monitor","data":{"cpu":12}}`)
	conn.push(`{not even close to json`)
	conn.push(`{"type":"monitor","data":{"cpu":14}}`)

	first := nextMsg(t, rec)
	second := nextMsg(t, rec)
	assert.JSONEq(t, `{"cpu":12}`, string(first.Data))
	assert.JSONEq(t, `{"cpu":14}`, string(second.Data))

	var perr *ParseError
	select {
	case err := <-rec.errs:
		require.ErrorAs(t, err, &perr)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for parse error")
	}

	// Still open, and the bad frame never made it into history.
	assert.Equal(t, StateOpen, c.State())
	assert.Len(t, c.History(), 2)
}

func TestPingAnsweredNotDelivered(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)
	defer c.Disconnect()

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)

	conn.push(`{"type":"ping","seq":7}`)

	select {
	case frame := <-conn.writes:
		var pong Message
		require.NoError(t, json.Unmarshal(frame, &pong))
		assert.Equal(t, "pong", pong.Type)
		assert.Equal(t, int64(7), pong.Seq)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for pong")
	}

	assert.Empty(t, rec.msgs)
	assert.Empty(t, c.History())
}

func TestSend(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)
	defer c.Disconnect()

	// Not open yet: dropped, not queued.
	assert.False(t, c.Send(map[string]string{"type": "command"}))

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)

	require.True(t, c.Send(map[string]any{"type": "command", "data": "pause"}))
	select {
	case frame := <-conn.writes:
		assert.JSONEq(t, `{"type":"command","data":"pause"}`, string(frame))
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for outbound frame")
	}

	// Unserializable payloads fail without touching the transport.
	assert.False(t, c.Send(make(chan int)))
	assert.Empty(t, conn.writes)
}

func TestSendAfterDisconnect(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)
	c.Disconnect()

	assert.False(t, c.Send(map[string]string{"type": "command"}))
	assert.Empty(t, conn.writes)
}

func TestClearHistoryWhileOpen(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)
	defer c.Disconnect()

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)

	conn.push(`{"type":"log","data":1}`)
	conn.push(`{"type":"log","data":2}`)
	nextMsg(t, rec)
	nextMsg(t, rec)

	c.ClearHistory()

	assert.Equal(t, StateOpen, c.State())
	assert.Empty(t, c.History())
	_, ok := c.Last()
	assert.False(t, ok)

	// Delivery continues unaffected.
	conn.push(`{"type":"log","data":3}`)
	nextMsg(t, rec)
	assert.Len(t, c.History(), 1)
}

func TestDisconnectSilencesLateEvents(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)

	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())

	// Simulate a racing transport: a frame and a close arriving after the
	// explicit disconnect. Nothing may be dispatched.
	conn.push(`{"type":"log","data":"late"}`)
	conn.fail(errors.New("connection reset"))
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, rec.msgs)
	assert.Empty(t, rec.disconnects)
	assert.Equal(t, StateClosed, c.State())

	// Disconnect is final: a later Connect must not dial again.
	c.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StateClosed, c.State())
}

func TestReconnectBudgetExhausted(t *testing.T) {
	d := newFakeDialer()
	d.setFailAll(true)
	rec := newRecorder()
	c := newTestClient(t, d, rec, func(cfg *Config) {
		cfg.MaxReconnect = 3
	})
	defer c.Disconnect()

	c.Connect()

	// First attempt plus exactly three reconnects.
	require.Eventually(t, func() bool { return d.dialCount() == 4 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 4, d.dialCount())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 3, c.Reconnects())

	// Manual Connect resets the budget and allows attempts again.
	c.Connect()
	require.Eventually(t, func() bool { return d.dialCount() == 8 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 8, d.dialCount())
}

func TestReconnectCounterResetsOnOpen(t *testing.T) {
	d := newFakeDialer()
	d.failNext = 2
	rec := newRecorder()
	c := newTestClient(t, d, rec, func(cfg *Config) {
		cfg.MaxReconnect = 3
	})
	defer c.Disconnect()

	c.Connect()

	// Two failures, then the third attempt opens.
	conn := nextConn(t, d)
	waitConnect(t, rec)
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, 0, c.Reconnects())

	// The next failure cycle starts at zero, not three: a full budget of
	// three attempts remains after the connection drops.
	d.setFailAll(true)
	conn.fail(errors.New("connection reset"))

	require.Eventually(t, func() bool { return d.dialCount() == 6 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 6, d.dialCount())
	assert.Equal(t, 3, c.Reconnects())
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectIdempotentWhileOpen(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)
	defer c.Disconnect()

	c.Connect()
	nextConn(t, d)
	waitConnect(t, rec)

	c.Connect()
	c.Connect()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StateOpen, c.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, nil)

	c.Connect()
	nextConn(t, d)
	waitConnect(t, rec)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, c.Reconnects())
}

func TestTransportErrorTriggersReconnect(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	c := newTestClient(t, d, rec, func(cfg *Config) {
		cfg.MaxReconnect = 2
	})
	defer c.Disconnect()

	c.Connect()
	conn := nextConn(t, d)
	waitConnect(t, rec)

	conn.fail(errors.New("connection reset by peer"))

	select {
	case err := <-rec.disconnects:
		assert.ErrorContains(t, err, "connection reset")
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for disconnect callback")
	}

	// A fresh connection comes up on its own.
	nextConn(t, d)
	waitConnect(t, rec)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 0, c.Reconnects())
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base URL", Config{Channel: "logs", Token: "t"}},
		{"missing token", Config{BaseURL: "ws://feed.test", Channel: "logs"}},
		{"empty channel", Config{BaseURL: "ws://feed.test", Token: "t"}},
		{"bad channel characters", Config{BaseURL: "ws://feed.test", Channel: "Logs!", Token: "t"}},
		{"channel too long", Config{BaseURL: "ws://feed.test", Channel: "abcdefghijklmnopqrstuvwxyz0123456789", Token: "t"}},
		{"bad scheme", Config{BaseURL: "ftp://feed.test", Channel: "logs", Token: "t"}},
		{"no host", Config{BaseURL: "ws://", Channel: "logs", Token: "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestEndpointResolution(t *testing.T) {
	c, err := New(Config{BaseURL: "https://feed.example.com", Channel: "monitoring", Token: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "wss://feed.example.com/ws/monitoring?token=abc", c.url)

	c, err = New(Config{BaseURL: "http://localhost:8080", Channel: "logs", Token: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/logs?token=abc", c.url)
}
