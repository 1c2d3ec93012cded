package stream

import "sync"

// history keeps the most recent messages, newest first, for observers that
// attach after delivery already started. Once the bound is exceeded the
// oldest entry is evicted.
type history struct {
	mu   sync.Mutex
	msgs []Message // newest at index 0
	max  int
	last Message
	has  bool
}

func newHistory(maxEntries int) *history {
	return &history{max: maxEntries}
}

// add records a message as the most recent entry.
func (h *history) add(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = msg
	h.has = true

	if h.max <= 0 {
		return
	}
	if len(h.msgs) < h.max {
		h.msgs = append(h.msgs, Message{})
	}
	copy(h.msgs[1:], h.msgs)
	h.msgs[0] = msg
}

// snapshot returns a copy of the retained messages, newest first.
func (h *history) snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// lastMessage returns the most recently received message, if any.
func (h *history) lastMessage() (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.has
}

// clear empties the history and forgets the last message.
func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.msgs = nil
	h.last = Message{}
	h.has = false
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}
