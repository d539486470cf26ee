package chatapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/livechat/pkg/history"
)

func TestCreateSessionPostsGuestInfo(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat/sessions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 17, "session_id": "sess-abc", "status": "pending", "started_at": "2026-10-01T12:00:00Z", "is_online": true}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api", WithToken("tok"))
	require.NoError(t, err)

	resp, err := c.CreateSession(context.Background(), CreateSessionRequest{
		GuestName:      "Ann",
		PageURL:        "https://shop.example/pricing",
		UserAgent:      "livechat-test",
		InitialMessage: "Hi",
	})
	require.NoError(t, err)
	require.Equal(t, ID("17"), resp.ID)
	require.Equal(t, "sess-abc", resp.SessionID)
	require.True(t, resp.IsOnline)
	require.Nil(t, resp.AssignedAdminID)

	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "Ann", gotBody["guest_name"])
	require.Equal(t, "Hi", gotBody["initial_message"])
	require.NotContains(t, gotBody, "guest_email")
}

func TestListMessagesConvertsToCacheEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/sessions/sess-abc/messages", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id": "m1", "content": "hello", "message_type": "bot", "created_at": "2026-10-01T12:00:01.250000", "bot_confidence": 0.82, "is_read": false},
			{"id": 2, "content": "hi", "message_type": "user", "created_at": "2026-10-01T12:00:00Z", "sender_name": "Ann", "is_read": true}
		]`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	dtos, err := c.ListMessages(context.Background(), "sess-abc")
	require.NoError(t, err)
	require.Len(t, dtos, 2)

	m := dtos[0].Message()
	require.Equal(t, "m1", m.ID)
	require.Equal(t, history.SenderBot, m.SenderType)
	require.NotNil(t, m.Confidence)
	require.InDelta(t, 0.82, *m.Confidence, 1e-9)
	require.Equal(t, time.Date(2026, 10, 1, 12, 0, 1, 250_000_000, time.UTC), m.Timestamp)

	m2 := dtos[1].Message()
	require.Equal(t, "2", m2.ID)
	require.Equal(t, history.SenderUser, m2.SenderType)
	require.Equal(t, "Ann", m2.SenderName)
	require.True(t, m2.IsRead)
}

func TestNon2xxBecomesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"session not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.CreateMessage(context.Background(), "missing", CreateMessageRequest{Content: "x", MessageType: "user"})
	require.Error(t, err)
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	require.Equal(t, http.StatusNotFound, herr.StatusCode)
	require.Contains(t, herr.Body, "session not found")
}

func TestWidgetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/widget/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"is_available": true, "admin_online": false, "queue_position": 3, "bot_enabled": true, "greeting_message": "Hello!"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	st, err := c.WidgetStatus(context.Background())
	require.NoError(t, err)
	require.True(t, st.IsAvailable)
	require.False(t, st.AdminOnline)
	require.NotNil(t, st.QueuePosition)
	require.Equal(t, 3, *st.QueuePosition)
	require.Nil(t, st.EstimatedResponseTime)
	require.Equal(t, "Hello!", st.GreetingMessage)
}

func TestWebSocketURL(t *testing.T) {
	c, err := NewClient("https://chat.example.com/")
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/chat/ws/s1", c.WebSocketURL("s1"))

	c, err = NewClient("http://localhost:8000/api", WithToken("a b"))
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/api/chat/ws/s1?token=a+b", c.WebSocketURL("s1"))
}

func TestNewClientRejectsNonHTTPURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	require.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2026-10-01T12:00:00+02:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), ts)

	_, err = ParseTimestamp("yesterday")
	require.Error(t, err)
}
