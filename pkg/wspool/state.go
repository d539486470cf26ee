package wspool

import (
	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a named connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseNormal is the close code of an orderly shutdown. Anything else is abnormal.
const CloseNormal = websocket.CloseNormalClosure

// CloseEvent describes why a transport went away.
type CloseEvent struct {
	Code   int
	Reason string
}

// Normal reports whether the closure was an orderly one.
func (e CloseEvent) Normal() bool {
	return e.Code == CloseNormal
}

// Handlers is the per-event-kind callback set of one subscriber. Nil callbacks are skipped.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(CloseEvent)
	OnError   func(error)
}
