package livechat

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/livechat/pkg/chatapi"
	"github.com/go-go-golems/livechat/pkg/history"
)

// HandleFrame routes one inbound frame of the current session. Malformed and unknown
// frames are logged and dropped; the returned *ProtocolError is informational.
func (c *Controller) HandleFrame(data []byte) error {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	return c.handleFrame(epoch, data)
}

func (c *Controller) handleFrame(epoch uint64, data []byte) error {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return c.protocolError("", errors.Wrap(err, "malformed frame"))
	}
	if f.Type == "" {
		return c.protocolError("", errors.New("frame has no type"))
	}

	c.mu.Lock()
	live := c.epoch == epoch && c.session != nil && c.state != StateEnded
	sessionID := c.sessionIDLocked()
	c.mu.Unlock()
	if !live {
		c.logger.Debug().Str("type", f.Type).Msg("dropping frame of a stale session")
		return nil
	}

	// some servers send the payload inline instead of under "data"
	payload := []byte(f.Data)
	if len(payload) == 0 {
		payload = data
	}

	switch f.Type {
	case FrameChatMessage:
		var dto chatapi.MessageDTO
		if err := json.Unmarshal(payload, &dto); err != nil {
			return c.protocolError(f.Type, err)
		}
		if dto.ID == "" {
			return c.protocolError(f.Type, errors.New("message has no id"))
		}
		m := dto.Message()
		if m.Timestamp.IsZero() {
			m.Timestamp = c.clock.Now().UTC()
		}
		if !c.cache.Ingest(m) {
			return nil
		}
		c.publish(Event{Kind: EventMessage, SessionID: sessionID, Message: &m, Unread: c.cache.UnreadCount()})
		c.saveMessages(sessionID, m)

	case FrameTypingIndicator:
		var t TypingIndicator
		if err := json.Unmarshal(payload, &t); err != nil {
			return c.protocolError(f.Type, err)
		}
		if history.ParseSenderType(t.UserType) == history.SenderUser {
			return nil
		}
		c.mu.Lock()
		changed := c.epoch == epoch && c.otherTyping != t.IsTyping
		if changed {
			c.otherTyping = t.IsTyping
		}
		c.mu.Unlock()
		if changed {
			c.publish(Event{Kind: EventTyping, SessionID: sessionID, Typing: t.IsTyping})
		}

	case FrameConnectionEstablished:
		c.logger.Debug().Str("session", sessionID).Msg("server acknowledged connection")

	case FramePong:
		c.mu.Lock()
		if c.epoch == epoch {
			c.lastPong = c.clock.Now()
		}
		c.mu.Unlock()

	case FrameError:
		var p ErrorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return c.protocolError(f.Type, err)
		}
		c.logger.Warn().Str("session", sessionID).Str("message", p.Message).Msg("server reported an error")
		c.publish(Event{Kind: EventServerError, SessionID: sessionID, Error: p.Message})

	case FrameSessionUpdate:
		var u SessionUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return c.protocolError(f.Type, err)
		}
		c.applySessionUpdate(epoch, u)

	default:
		return c.protocolError(f.Type, errors.New("unknown frame type"))
	}
	return nil
}

// applySessionUpdate moves the status forward only; a terminal status ends the session.
func (c *Controller) applySessionUpdate(epoch uint64, u SessionUpdate) {
	next := ParseSessionStatus(u.Status)
	fx := &effects{}
	c.mu.Lock()
	if c.epoch != epoch || c.session == nil || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	changed := false
	if agent := u.AssignedAdminID.String(); agent != "" && agent != c.session.AssignedAgent {
		c.session.AssignedAgent = agent
		changed = true
	}
	if next.Terminal() && c.session.Status.CanTransitionTo(next) {
		c.logger.Info().Str("session", c.session.ExternalID).Str("status", string(next)).Msg("session ended by server")
		c.terminateLocked(fx, next)
	} else {
		if c.session.advance(next) {
			changed = true
		}
		if changed {
			fx.emit(Event{Kind: EventSessionUpdated, SessionID: c.session.ExternalID, Status: c.session.Status})
			fx.record = c.snapshotLocked()
		}
	}
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) protocolError(frameType string, err error) error {
	perr := &ProtocolError{Type: frameType, Err: err}
	c.logger.Warn().Err(perr).Msg("dropping frame")
	return perr
}
