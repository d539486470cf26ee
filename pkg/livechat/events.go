package livechat

import (
	"context"
	"time"

	"github.com/go-go-golems/livechat/pkg/history"
)

type EventKind string

const (
	EventStateChanged       EventKind = "state_changed"
	EventSessionStarted     EventKind = "session_started"
	EventSessionUpdated     EventKind = "session_updated"
	EventSessionEnded       EventKind = "session_ended"
	EventMessage            EventKind = "message"
	EventHistoryLoaded      EventKind = "history_loaded"
	EventTyping             EventKind = "typing"
	EventUnreadChanged      EventKind = "unread_changed"
	EventDeliveryFailed     EventKind = "delivery_failed"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventReconnectAbandoned EventKind = "reconnect_abandoned"
	EventServerError        EventKind = "server_error"
	EventQuotaDenied        EventKind = "quota_denied"
)

// Event is what the controller tells the outside world. Kind says which of the
// optional fields are set.
type Event struct {
	Kind      EventKind        `json:"kind"`
	SessionID string           `json:"session_id,omitempty"`
	State     State            `json:"state,omitempty"`
	Status    SessionStatus    `json:"status,omitempty"`
	Message   *history.Message `json:"message,omitempty"`
	Count     int              `json:"count,omitempty"`
	Typing    bool             `json:"typing,omitempty"`
	Unread    int              `json:"unread"`
	Attempt   int              `json:"attempt,omitempty"`
	Delay     time.Duration    `json:"delay,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// EventSink receives controller events in the order they happen for a given source.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

type EventSinkFunc func(ctx context.Context, ev Event) error

func (f EventSinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
