package chatapi

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/livechat/pkg/history"
)

// ID accepts both JSON numbers and strings; backends disagree on which they send.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "id is neither string nor number")
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type CreateSessionRequest struct {
	GuestName      string `json:"guest_name,omitempty"`
	GuestEmail     string `json:"guest_email,omitempty"`
	PageURL        string `json:"page_url"`
	UserAgent      string `json:"user_agent"`
	InitialMessage string `json:"initial_message,omitempty"`
}

type SessionResponse struct {
	ID              ID     `json:"id"`
	SessionID       string `json:"session_id"`
	Status          string `json:"status"`
	StartedAt       string `json:"started_at"`
	AssignedAdminID *ID    `json:"assigned_admin_id,omitempty"`
	IsOnline        bool   `json:"is_online"`
}

type MessageDTO struct {
	ID              ID       `json:"id"`
	Content         string   `json:"content"`
	MessageType     string   `json:"message_type"`
	CreatedAt       string   `json:"created_at"`
	SenderName      string   `json:"sender_name,omitempty"`
	BotConfidence   *float64 `json:"bot_confidence,omitempty"`
	IsRead          bool     `json:"is_read"`
	ClientMessageID string   `json:"client_message_id,omitempty"`
}

// Message converts the wire shape into a cache entry.
func (m MessageDTO) Message() history.Message {
	ts, _ := ParseTimestamp(m.CreatedAt)
	return history.Message{
		ID:         m.ID.String(),
		ClientID:   m.ClientMessageID,
		Content:    m.Content,
		SenderType: history.ParseSenderType(m.MessageType),
		SenderName: m.SenderName,
		Timestamp:  ts,
		Confidence: m.BotConfidence,
		IsRead:     m.IsRead,
	}
}

type CreateMessageRequest struct {
	Content         string `json:"content"`
	MessageType     string `json:"message_type"`
	SenderName      string `json:"sender_name"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type WidgetStatus struct {
	IsAvailable           bool   `json:"is_available"`
	AdminOnline           bool   `json:"admin_online"`
	EstimatedResponseTime *int   `json:"estimated_response_time,omitempty"`
	QueuePosition         *int   `json:"queue_position,omitempty"`
	BotEnabled            bool   `json:"bot_enabled"`
	GreetingMessage       string `json:"greeting_message"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO 8601 variants some backends
// emit; zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}
