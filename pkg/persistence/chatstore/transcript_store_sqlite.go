package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/livechat/pkg/history"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			guest_name TEXT NOT NULL DEFAULT '',
			assigned_agent TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			client_message_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			confidence REAL,
			is_read INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_session_time ON chat_messages(session_id, created_at_ms, message_id);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_by_updated ON chat_sessions(updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) UpsertSession(ctx context.Context, record SessionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	record = normalizeSessionRecord(record, time.Now().UnixMilli())
	if record.SessionID == "" {
		return errors.New("sqlite transcript store: sessionID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions(session_id, server_id, status, guest_name, assigned_agent, started_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			server_id = CASE WHEN excluded.server_id != '' THEN excluded.server_id ELSE chat_sessions.server_id END,
			status = excluded.status,
			guest_name = CASE WHEN excluded.guest_name != '' THEN excluded.guest_name ELSE chat_sessions.guest_name END,
			assigned_agent = CASE WHEN excluded.assigned_agent != '' THEN excluded.assigned_agent ELSE chat_sessions.assigned_agent END,
			started_at_ms = MIN(chat_sessions.started_at_ms, excluded.started_at_ms),
			updated_at_ms = excluded.updated_at_ms
	`, record.SessionID, record.ServerID, record.Status, record.GuestName, record.AssignedAgent, record.StartedAtMs, record.UpdatedAtMs)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert session")
	}
	return nil
}

func (s *SQLiteTranscriptStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("sqlite transcript store: sessionID is empty")
	}
	var r SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, server_id, status, guest_name, assigned_agent, started_at_ms, updated_at_ms
		FROM chat_sessions WHERE session_id = ?
	`, sessionID).Scan(&r.SessionID, &r.ServerID, &r.Status, &r.GuestName, &r.AssignedAgent, &r.StartedAtMs, &r.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "sqlite transcript store: get session")
	}
	return r, true, nil
}

func (s *SQLiteTranscriptStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, server_id, status, guest_name, assigned_agent, started_at_ms, updated_at_ms
		FROM chat_sessions
		ORDER BY updated_at_ms DESC, session_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.SessionID, &r.ServerID, &r.Status, &r.GuestName, &r.AssignedAgent, &r.StartedAtMs, &r.UpdatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan session")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveMessages upserts by (session, message id). Optimistic local messages are
// skipped; they are only persisted once the server confirms them.
func (s *SQLiteTranscriptStore) SaveMessages(ctx context.Context, sessionID string, msgs []history.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("sqlite transcript store: sessionID is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages(session_id, message_id, client_message_id, content, sender_type, sender_name, created_at_ms, confidence, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO UPDATE SET
			is_read = MAX(chat_messages.is_read, excluded.is_read)
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: prepare insert")
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range msgs {
		if m.ID == "" || m.Local {
			continue
		}
		var confidence sql.NullFloat64
		if m.Confidence != nil {
			confidence = sql.NullFloat64{Float64: *m.Confidence, Valid: true}
		}
		isRead := 0
		if m.IsRead {
			isRead = 1
		}
		if _, err := stmt.ExecContext(ctx, sessionID, m.ID, m.ClientID, m.Content, string(m.SenderType), m.SenderName, m.Timestamp.UnixMilli(), confidence, isRead); err != nil {
			return errors.Wrapf(err, "sqlite transcript store: insert message %s", m.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite transcript store: commit")
	}
	committed = true
	return nil
}

func (s *SQLiteTranscriptStore) LoadMessages(ctx context.Context, sessionID string) ([]history.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, client_message_id, content, sender_type, sender_name, created_at_ms, confidence, is_read
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at_ms ASC, message_id ASC
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: load messages")
	}
	defer func() { _ = rows.Close() }()

	var out []history.Message
	for rows.Next() {
		var (
			m          history.Message
			senderType string
			createdAt  int64
			confidence sql.NullFloat64
			isRead     int
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Content, &senderType, &m.SenderName, &createdAt, &confidence, &isRead); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan message")
		}
		m.SenderType = history.SenderType(senderType)
		m.Timestamp = time.UnixMilli(createdAt).UTC()
		if confidence.Valid {
			v := confidence.Float64
			m.Confidence = &v
		}
		m.IsRead = isRead != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// OpenTranscriptStore opens a SQLite store at path, or an in-memory one when path is empty.
func OpenTranscriptStore(path string) (TranscriptStore, error) {
	if strings.TrimSpace(path) == "" {
		return NewInMemoryTranscriptStore(0), nil
	}
	dsn, err := SQLiteTranscriptDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteTranscriptStore(dsn)
}
