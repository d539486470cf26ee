package history

import (
	"time"
)

// SenderType identifies who wrote a message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderBot    SenderType = "bot"
	SenderAdmin  SenderType = "admin"
	SenderSystem SenderType = "system"
)

// ParseSenderType maps a wire message_type onto a SenderType. Unknown values are
// treated as system messages.
func ParseSenderType(s string) SenderType {
	switch SenderType(s) {
	case SenderUser, SenderBot, SenderAdmin, SenderSystem:
		return SenderType(s)
	case "agent":
		return SenderAdmin
	default:
		return SenderSystem
	}
}

// Message is one chat message as displayed. Messages are never mutated after
// insertion except for IsRead.
type Message struct {
	ID         string     `json:"id"`
	ClientID   string     `json:"client_message_id,omitempty"`
	Content    string     `json:"content"`
	SenderType SenderType `json:"sender_type"`
	SenderName string     `json:"sender_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Confidence *float64   `json:"confidence,omitempty"`
	IsRead     bool       `json:"is_read"`
	// Local marks an optimistic message the server has not confirmed yet.
	Local bool `json:"local,omitempty"`
}
