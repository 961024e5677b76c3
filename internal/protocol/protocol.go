package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types sent by clients
const (
	ControlEOF = "eof"
)

// Event types sent to clients
const (
	EventFull = "full"
	EventDone = "done"
)

// ErrInvalidControl is returned for text messages that are not a JSON object
// with an event field
var ErrInvalidControl = errors.New("invalid control message")

// Kind distinguishes the two inbound message flavours of a connection
type Kind uint8

const (
	KindAudio   Kind = iota + 1 // Binary frame of float32 samples
	KindControl                 // Text frame carrying a JSON control object
)

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Message is one inbound WebSocket message, in arrival order
type Message struct {
	Kind    Kind
	Payload []byte
}

// Control is a parsed client control message.
// Layout: {"event": "eof"}
type Control struct {
	Event string `json:"event"`
}

// IsEOF reports whether the control message ends the current utterance
func (c *Control) IsEOF() bool {
	return c.Event == ControlEOF
}

// Event is a server-to-client message.
// Layout: {"type": "full", "seq": n, "text": "..."} or {"type": "done", "seq": n}
type Event struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
	Text string `json:"text,omitempty"`
}

// FullEvent builds the event carrying one accepted transcript
func FullEvent(seq int, text string) Event {
	return Event{Type: EventFull, Seq: seq, Text: text}
}

// DoneEvent builds the end-of-utterance acknowledgement
func DoneEvent(seq int) Event {
	return Event{Type: EventDone, Seq: seq}
}

// ParseControl parses a text message. Unknown events are returned as-is so
// the caller can decide to ignore them.
func ParseControl(data []byte) (*Control, error) {
	var control Control
	if err := json.Unmarshal(data, &control); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}

	if control.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidControl)
	}

	return &control, nil
}

// ValidateEvent checks an event before it is written to a client
func ValidateEvent(event *Event) error {
	switch event.Type {
	case EventFull:
		if event.Text == "" {
			return fmt.Errorf("full event without text")
		}
	case EventDone:
	default:
		return fmt.Errorf("unknown event type: %q", event.Type)
	}

	if event.Seq < 0 {
		return fmt.Errorf("negative sequence number: %d", event.Seq)
	}

	return nil
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	if e.Type == EventFull {
		return fmt.Sprintf("Event{Type:%s, Seq:%d, TextLen:%d}", e.Type, e.Seq, len(e.Text))
	}
	return fmt.Sprintf("Event{Type:%s, Seq:%d}", e.Type, e.Seq)
}
