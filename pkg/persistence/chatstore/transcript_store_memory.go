package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/livechat/pkg/history"
)

// InMemoryTranscriptStore is a size-limited, in-memory TranscriptStore. It mirrors the
// ordering semantics of the SQLite store.
type InMemoryTranscriptStore struct {
	mu                    sync.Mutex
	maxMessagesPerSession int
	sessions              map[string]SessionRecord
	messages              map[string]map[string]history.Message
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxMessagesPerSession int) *InMemoryTranscriptStore {
	if maxMessagesPerSession <= 0 {
		maxMessagesPerSession = 5000
	}
	return &InMemoryTranscriptStore{
		maxMessagesPerSession: maxMessagesPerSession,
		sessions:              map[string]SessionRecord{},
		messages:              map[string]map[string]history.Message{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) UpsertSession(_ context.Context, record SessionRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	record = normalizeSessionRecord(record, time.Now().UnixMilli())
	if record.SessionID == "" {
		return errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.SessionID] = mergeSessionRecord(s.sessions[record.SessionID], record)
	return nil
}

func (s *InMemoryTranscriptStore) GetSession(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil {
		return SessionRecord{}, false, errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	return record, ok, nil
}

func (s *InMemoryTranscriptStore) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]SessionRecord, 0, len(s.sessions))
	for _, r := range s.sessions {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].UpdatedAtMs == records[j].UpdatedAtMs {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].UpdatedAtMs > records[j].UpdatedAtMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// SaveMessages upserts by message id. Optimistic local messages are not persisted.
func (s *InMemoryTranscriptStore) SaveMessages(_ context.Context, sessionID string, msgs []history.Message) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.messages[sessionID]
	if conv == nil {
		conv = map[string]history.Message{}
		s.messages[sessionID] = conv
	}
	for _, m := range msgs {
		if m.ID == "" || m.Local {
			continue
		}
		conv[m.ID] = m
	}

	// Enforce the per-session size limit by evicting the oldest messages.
	if len(conv) > s.maxMessagesPerSession {
		ordered := sortedMessages(conv)
		for _, m := range ordered[:len(ordered)-s.maxMessagesPerSession] {
			delete(conv, m.ID)
		}
	}
	return nil
}

func (s *InMemoryTranscriptStore) LoadMessages(_ context.Context, sessionID string) ([]history.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMessages(s.messages[sessionID]), nil
}

func sortedMessages(conv map[string]history.Message) []history.Message {
	out := make([]history.Message, 0, len(conv))
	for _, m := range conv {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
