package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampFormat is the layout used for Message.Timestamp.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Message is the envelope of every frame.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// New builds a message of the given type with content marshaled to JSON.
// A nil content produces an empty object.
func New(msgType string, content any) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", msgType, err)
	}
	return &Message{
		ID:        NewID(),
		Type:      msgType,
		Content:   raw,
		Timestamp: time.Now().UTC().Format(TimestampFormat),
	}, nil
}

// Reply builds a message answering req. The reply's RequestID is req.ID.
// A nil req produces an unsolicited message.
func Reply(req *Message, msgType string, content any) (*Message, error) {
	msg, err := New(msgType, content)
	if err != nil {
		return nil, err
	}
	if req != nil {
		msg.RequestID = req.ID
	}
	return msg, nil
}

// MustNew is New for content types that always marshal.
func MustNew(msgType string, content any) *Message {
	msg, err := New(msgType, content)
	if err != nil {
		panic(err)
	}
	return msg
}

// Unmarshal decodes the message content into v.
func (m *Message) Unmarshal(v any) error {
	if len(m.Content) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Content, v)
}

// Time parses Timestamp, returning the zero time when absent or malformed.
func (m *Message) Time() time.Time {
	t, err := time.Parse(TimestampFormat, m.Timestamp)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, m.Timestamp)
	}
	return t
}

func marshalContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return c, nil
	default:
		return json.Marshal(c)
	}
}
