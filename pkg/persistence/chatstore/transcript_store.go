package chatstore

import (
	"context"
	"strings"

	"github.com/go-go-golems/livechat/pkg/history"
)

// SessionRecord captures persisted session-level metadata for transcript listing.
type SessionRecord struct {
	SessionID     string `json:"session_id"`
	ServerID      string `json:"server_id,omitempty"`
	Status        string `json:"status"`
	GuestName     string `json:"guest_name,omitempty"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
	StartedAtMs   int64  `json:"started_at_ms"`
	UpdatedAtMs   int64  `json:"updated_at_ms"`
}

// TranscriptStore keeps a local copy of chat sessions and their messages so a
// conversation can be reviewed after the transport is gone.
type TranscriptStore interface {
	UpsertSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	SaveMessages(ctx context.Context, sessionID string, msgs []history.Message) error
	LoadMessages(ctx context.Context, sessionID string) ([]history.Message, error)
	Close() error
}

func normalizeSessionRecord(record SessionRecord, nowMs int64) SessionRecord {
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.Status = strings.TrimSpace(record.Status)
	if record.Status == "" {
		record.Status = "pending"
	}
	if record.StartedAtMs <= 0 {
		record.StartedAtMs = nowMs
	}
	if record.UpdatedAtMs <= 0 {
		record.UpdatedAtMs = nowMs
	}
	return record
}

// mergeSessionRecord keeps the first-seen start time and any field the update
// leaves empty.
func mergeSessionRecord(existing SessionRecord, update SessionRecord) SessionRecord {
	if existing.SessionID == "" {
		return update
	}
	out := existing
	out.Status = update.Status
	out.UpdatedAtMs = update.UpdatedAtMs
	if update.ServerID != "" {
		out.ServerID = update.ServerID
	}
	if update.GuestName != "" {
		out.GuestName = update.GuestName
	}
	if update.AssignedAgent != "" {
		out.AssignedAgent = update.AssignedAgent
	}
	if existing.StartedAtMs <= 0 || (update.StartedAtMs > 0 && update.StartedAtMs < existing.StartedAtMs) {
		out.StartedAtMs = update.StartedAtMs
	}
	return out
}
