package livechat

import (
	"strings"
	"time"
)

// State is the controller's connection state.
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
)

// SessionStatus only ever moves forward: pending, active, then resolved or closed.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionActive   SessionStatus = "active"
	SessionResolved SessionStatus = "resolved"
	SessionClosed   SessionStatus = "closed"
)

func (s SessionStatus) rank() int {
	switch s {
	case SessionPending:
		return 0
	case SessionActive:
		return 1
	case SessionResolved:
		return 2
	case SessionClosed:
		return 3
	default:
		return -1
	}
}

func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

func (s SessionStatus) Terminal() bool {
	return s == SessionResolved || s == SessionClosed
}

// ParseSessionStatus maps backend status strings; unknown values map to pending,
// which can never overwrite a later status.
func ParseSessionStatus(s string) SessionStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "open", "assigned":
		return SessionActive
	case "resolved":
		return SessionResolved
	case "closed", "ended":
		return SessionClosed
	default:
		return SessionPending
	}
}

// GuestInfo is what the visitor tells us before a session starts.
type GuestInfo struct {
	Name           string
	Email          string
	PageURL        string
	UserAgent      string
	InitialMessage string
}

// Session is a snapshot of the current conversation.
type Session struct {
	ID            string
	ExternalID    string
	Status        SessionStatus
	StartedAt     time.Time
	AssignedAgent string
	AdminOnline   bool
}

func (s *Session) advance(next SessionStatus) bool {
	if !s.Status.CanTransitionTo(next) {
		return false
	}
	s.Status = next
	return true
}
