package livechat

import (
	"encoding/json"

	"github.com/go-go-golems/livechat/pkg/chatapi"
)

// Inbound frame types.
const (
	FrameChatMessage           = "chat_message"
	FrameTypingIndicator       = "typing_indicator"
	FrameConnectionEstablished = "connection_established"
	FramePong                  = "pong"
	FrameError                 = "error"
	FrameSessionUpdate         = "session_update"
)

// Outbound frame types.
const (
	FrameTyping = "typing"
	FramePing   = "ping"
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type TypingIndicator struct {
	UserType string `json:"user_type"`
	IsTyping bool   `json:"is_typing"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type SessionUpdate struct {
	Status          string     `json:"status"`
	AssignedAdminID chatapi.ID `json:"assigned_admin_id,omitempty"`
}

type ChatMessageFrame struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	SenderName      string `json:"sender_name"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

type TypingFrame struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

type PingFrame struct {
	Type string `json:"type"`
}
