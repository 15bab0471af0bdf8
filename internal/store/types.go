package store

import (
	"strings"
	"time"
)

// Message is a chat message as written by the external import process.
// Every component that reads the message store uses this record.
type Message struct {
	ID         string
	ChatID     string
	SenderID   string
	SenderName string
	Text       string  // empty when the source row has NULL text
	Timestamp  int64   // unix milliseconds
	ReplyToID  *string // nil when the message is not a reply
}

// Time returns the message timestamp as a time.Time in UTC.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp).UTC()
}

// HasText reports whether the message carries searchable text.
func (m Message) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}
