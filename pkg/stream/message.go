package stream

import (
	"encoding/json"
	"fmt"
)

// Message is one decoded frame from the stream.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// ParseError reports an inbound frame that could not be decoded. The frame is
// dropped and the connection stays up.
type ParseError struct {
	Err   error
	Frame []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// parseFrame decodes a single text frame into a Message.
func parseFrame(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, &ParseError{Err: err, Frame: frame}
	}
	return msg, nil
}
