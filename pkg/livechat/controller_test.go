package livechat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/livechat/pkg/chatapi"
	"github.com/go-go-golems/livechat/pkg/history"
	"github.com/go-go-golems/livechat/pkg/persistence/chatstore"
)

func startActive(t *testing.T, f *fixture) *Session {
	t.Helper()
	loaded := len(f.sink.of(EventHistoryLoaded))
	s, err := f.ctrl.StartSession(context.Background(), GuestInfo{Name: "Ada", PageURL: "https://shop.test/", UserAgent: "test"})
	require.NoError(t, err)
	require.Equal(t, StateActive, f.ctrl.State())
	// wait for the background history load so it cannot race the test's own frames
	require.Eventually(t, func() bool {
		return len(f.sink.of(EventHistoryLoaded)) > loaded
	}, time.Second, 5*time.Millisecond)
	return s
}

func TestStartSessionQuotaDeniedMakesNoRequests(t *testing.T) {
	quota := NewLocalQuota(PlanLimits{Plan: "free", MaxChatSessions: 1, UpgradeURL: "https://billing.test"}, 1)
	f := newFixture(Options{Quota: quota})

	s, err := f.ctrl.StartSession(context.Background(), GuestInfo{Name: "Ada"})
	require.Nil(t, s)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrQuotaExceeded))
	require.False(t, IsRetryable(err))

	var qerr *QuotaExceededError
	require.True(t, errors.As(err, &qerr))
	require.Equal(t, 1, qerr.Limit)
	require.Equal(t, "https://billing.test", qerr.UpgradeURL)

	require.Equal(t, 0, f.api.createSessionCalls())
	require.Equal(t, 0, f.pool.connectCount())
	require.Equal(t, StateIdle, f.ctrl.State())
	require.Len(t, f.sink.of(EventQuotaDenied), 1)
	require.Equal(t, 1, quota.Used())
}

func TestStartSessionScenario(t *testing.T) {
	quota := NewLocalQuota(PlanLimits{Plan: "pro", MaxChatSessions: 5}, 0)
	f := newFixture(Options{Quota: quota})
	f.api.history = []chatapi.MessageDTO{
		{ID: "1", Content: "Hi, how can we help?", MessageType: "bot", CreatedAt: "2024-05-01T12:00:01Z", IsRead: true},
		{ID: "2", Content: "Hello", MessageType: "user", CreatedAt: "2024-05-01T12:00:02Z", IsRead: true},
	}

	s := startActive(t, f)
	require.Equal(t, "sess-1", s.ExternalID)
	require.Equal(t, "42", s.ID)
	require.Equal(t, SessionActive, s.Status)
	require.Equal(t, 1, quota.Used())
	require.Equal(t, []string{"ws://chat.test/chat/ws/sess-1"}, f.pool.urls)

	require.Len(t, f.sink.of(EventHistoryLoaded), 1)
	require.Equal(t, 2, f.cache.Len())
	require.Equal(t, 0, f.ctrl.UnreadCount())

	f.pool.deliver("sess-1", chatFrame("3", "An agent will be with you", "admin", ""))
	require.Equal(t, 3, f.cache.Len())
	require.Equal(t, 1, f.ctrl.UnreadCount())

	msgs := f.ctrl.Messages()
	require.Equal(t, "3", msgs[2].ID)
	require.Equal(t, history.SenderAdmin, msgs[2].SenderType)

	require.Equal(t, 1, f.ctrl.MarkRead())
	require.Equal(t, 0, f.ctrl.UnreadCount())

	states := []State{}
	for _, ev := range f.sink.of(EventStateChanged) {
		states = append(states, ev.State)
	}
	require.Equal(t, []State{StateStarting, StateConnecting, StateActive}, states)
}

func TestStartSessionWhileActiveIsRejected(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)

	_, err := f.ctrl.StartSession(context.Background(), GuestInfo{Name: "Ada"})
	require.ErrorIs(t, err, ErrSessionActive)
	require.Equal(t, 1, f.api.createSessionCalls())
}

func TestStartSessionCreateFailure(t *testing.T) {
	f := newFixture(Options{})
	f.api.createErr = &chatapi.HTTPError{Method: "POST", Path: "/chat/sessions", StatusCode: 503}

	_, err := f.ctrl.StartSession(context.Background(), GuestInfo{Name: "Ada"})
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "create", serr.Op)
	require.True(t, IsRetryable(err))
	require.Equal(t, StateIdle, f.ctrl.State())
	require.Nil(t, f.ctrl.Session())
	require.Equal(t, 0, f.pool.connectCount())
}

func TestInitialConnectFailureSchedulesReconnect(t *testing.T) {
	f := newFixture(Options{})
	f.pool.connectErrs = []error{errors.New("handshake refused")}

	s, err := f.ctrl.StartSession(context.Background(), GuestInfo{Name: "Ada"})
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, SessionPending, s.Status)
	require.Equal(t, StateReconnecting, f.ctrl.State())
	require.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(2 * time.Second)
	require.Equal(t, StateActive, f.ctrl.State())
	require.Equal(t, 2, f.pool.connectCount())
}

func TestAbnormalDropArmsSingleReconnectTimer(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)

	f.pool.drop("sess-1", websocket.CloseAbnormalClosure)
	require.Equal(t, StateReconnecting, f.ctrl.State())
	require.Equal(t, 1, f.clock.Pending())

	// a second close while the timer is pending schedules nothing
	f.pool.drop("sess-1", websocket.CloseGoingAway)
	require.Equal(t, 1, f.clock.Pending())
	require.Len(t, f.sink.of(EventReconnectScheduled), 1)

	f.clock.Advance(2 * time.Second)
	require.Equal(t, StateActive, f.ctrl.State())
	require.Equal(t, 2, f.pool.connectCount())
	require.Equal(t, 0, f.clock.Pending())
}

func TestEndChatCancelsPendingReconnect(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)
	f.pool.deliver("sess-1", chatFrame("9", "hi", "admin", ""))
	require.Equal(t, 1, f.cache.Len())

	f.pool.drop("sess-1", websocket.CloseAbnormalClosure)
	require.Equal(t, 1, f.clock.Pending())

	f.ctrl.EndChat()
	require.Equal(t, StateEnded, f.ctrl.State())
	require.Nil(t, f.ctrl.Session())
	require.Equal(t, 0, f.cache.Len())
	require.Equal(t, 0, f.clock.Pending())
	require.Contains(t, f.pool.closedNames(), "sess-1")

	f.clock.Advance(time.Minute)
	require.Equal(t, 1, f.pool.connectCount())
	require.Equal(t, StateEnded, f.ctrl.State())

	require.ErrorIs(t, f.ctrl.SendMessage(context.Background(), "still there?"), ErrNoSession)

	// a fresh session can start after ending
	startActive(t, f)
	require.Equal(t, 2, f.api.createSessionCalls())
}

func TestEndChatDuringReconnectClosesLateTransport(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)
	f.pool.drop("sess-1", websocket.CloseAbnormalClosure)
	require.Equal(t, StateReconnecting, f.ctrl.State())

	// the guest leaves while the reconnect dial is in flight
	f.pool.mu.Lock()
	f.pool.beforeConnect = f.ctrl.EndChat
	f.pool.mu.Unlock()
	f.clock.Advance(2 * time.Second)

	require.Equal(t, StateEnded, f.ctrl.State())
	require.Equal(t, 2, f.pool.connectCount())
	require.False(t, f.pool.IsConnected("sess-1"))
	require.Equal(t, []string{"sess-1", "sess-1"}, f.pool.closedNames())
	require.Equal(t, 0, f.clock.Pending())
}

func TestStartSessionCancelledIsNotQuotaDenial(t *testing.T) {
	quota := NewLocalQuota(PlanLimits{Plan: "pro", MaxChatSessions: 5}, 0)
	f := newFixture(Options{Quota: quota})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := f.ctrl.StartSession(ctx, GuestInfo{Name: "Ada"})
	require.Nil(t, s)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrQuotaExceeded))
	require.Empty(t, f.sink.of(EventQuotaDenied))
	require.Equal(t, StateIdle, f.ctrl.State())
	require.Equal(t, 0, f.api.createSessionCalls())
	require.Equal(t, 0, quota.Used())
}

func TestReconnectAbandonedAfterMaxAttempts(t *testing.T) {
	f := newFixture(Options{Reconnect: ReconnectPolicy{
		InitialInterval: time.Second,
		MaxInterval:     time.Second,
		MaxAttempts:     2,
	}})
	startActive(t, f)
	f.pool.failAll = errors.New("server unreachable")

	f.pool.drop("sess-1", websocket.CloseAbnormalClosure)
	require.Equal(t, StateReconnecting, f.ctrl.State())

	f.clock.Advance(time.Second) // attempt 1 fails, attempt 2 scheduled
	require.Equal(t, StateReconnecting, f.ctrl.State())
	f.clock.Advance(time.Second) // attempt 2 fails, gives up

	require.Equal(t, StateEnded, f.ctrl.State())
	abandoned := f.sink.of(EventReconnectAbandoned)
	require.Len(t, abandoned, 1)
	require.Contains(t, abandoned[0].Error, "gave up after 2 attempts")
	require.Equal(t, 0, f.clock.Pending())
	require.Equal(t, 3, f.pool.connectCount())
	require.Equal(t, SessionClosed, f.ctrl.Session().Status)
}

func TestNormalServerCloseEndsSession(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)

	f.pool.drop("sess-1", websocket.CloseNormalClosure)
	require.Equal(t, StateEnded, f.ctrl.State())
	require.Equal(t, 0, f.clock.Pending())
	s := f.ctrl.Session()
	require.NotNil(t, s)
	require.Equal(t, SessionClosed, s.Status)
	require.Len(t, f.sink.of(EventSessionEnded), 1)
}

func TestTypingDebounce(t *testing.T) {
	f := newFixture(Options{TypingTimeout: 3 * time.Second})
	startActive(t, f)

	for i := 0; i < 3; i++ {
		f.ctrl.Keystroke()
		f.clock.Advance(time.Second)
	}
	require.Equal(t, []string{`{"type":"typing","is_typing":true}`}, f.pool.sentFrames())
	require.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(1900 * time.Millisecond)
	require.Len(t, f.pool.sentFrames(), 1)

	f.clock.Advance(200 * time.Millisecond)
	require.Equal(t, []string{
		`{"type":"typing","is_typing":true}`,
		`{"type":"typing","is_typing":false}`,
	}, f.pool.sentFrames())

	// a new burst starts a new indicator
	f.ctrl.Keystroke()
	require.Len(t, f.pool.sentFrames(), 3)
}

func TestSendMessageOverWebsocketReconcilesEcho(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)

	require.NoError(t, f.ctrl.SendMessage(context.Background(), "  where is my order?  "))
	frames := f.pool.sentFrames()
	require.Len(t, frames, 1)

	var sent ChatMessageFrame
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &sent))
	require.Equal(t, FrameChatMessage, sent.Type)
	require.Equal(t, "where is my order?", sent.Content)
	require.Equal(t, "Ada", sent.SenderName)
	require.NotEmpty(t, sent.ClientMessageID)

	msgs := f.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Local)

	f.pool.deliver("sess-1", chatFrame("501", "where is my order?", "user", sent.ClientMessageID))
	msgs = f.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "501", msgs[0].ID)
	require.False(t, msgs[0].Local)
	require.Empty(t, f.api.createdMessages())
}

func TestSendMessageFallsBackToRESTWhenDisconnected(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)
	f.pool.drop("sess-1", websocket.CloseAbnormalClosure)

	require.NoError(t, f.ctrl.SendMessage(context.Background(), "hello?"))
	created := f.api.createdMessages()
	require.Len(t, created, 1)
	require.Equal(t, "hello?", created[0].Content)
	require.Equal(t, "user", created[0].MessageType)
	require.NotEmpty(t, created[0].ClientMessageID)

	msgs := f.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].Local)
	require.Equal(t, created[0].ClientMessageID, msgs[0].ClientID)
}

func TestSendMessageFallsBackToRESTWhenWriteFails(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)
	f.pool.sendErr = errors.New("broken pipe")

	require.NoError(t, f.ctrl.SendMessage(context.Background(), "hello?"))
	require.Len(t, f.api.createdMessages(), 1)
}

func TestSendMessageRESTFailureKeepsOptimisticEntry(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)
	f.pool.drop("sess-1", websocket.CloseAbnormalClosure)
	f.api.createMsgEr = errors.New("500 internal")

	err := f.ctrl.SendMessage(context.Background(), "hello?")
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "send", serr.Op)
	require.True(t, IsRetryable(err))

	msgs := f.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Local)
	require.Len(t, f.sink.of(EventDeliveryFailed), 1)
}

func TestSendEmptyMessageIsNoop(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)
	require.NoError(t, f.ctrl.SendMessage(context.Background(), "   "))
	require.Equal(t, 0, f.cache.Len())
	require.Empty(t, f.pool.sentFrames())
}

func TestHandleFrameDispatch(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)

	require.NoError(t, f.ctrl.HandleFrame([]byte(`{"type":"typing_indicator","data":{"user_type":"admin","is_typing":true}}`)))
	require.True(t, f.ctrl.IsOtherTyping())
	require.Len(t, f.sink.of(EventTyping), 1)

	// our own typing echoed back is ignored
	require.NoError(t, f.ctrl.HandleFrame([]byte(`{"type":"typing_indicator","data":{"user_type":"user","is_typing":false}}`)))
	require.True(t, f.ctrl.IsOtherTyping())

	require.NoError(t, f.ctrl.HandleFrame([]byte(`{"type":"connection_established","data":{}}`)))
	require.NoError(t, f.ctrl.HandleFrame([]byte(`{"type":"pong"}`)))
	require.Equal(t, f.clock.Now(), f.ctrl.LastPong())

	require.NoError(t, f.ctrl.HandleFrame([]byte(`{"type":"error","data":{"message":"rate limited"}}`)))
	serverErrs := f.sink.of(EventServerError)
	require.Len(t, serverErrs, 1)
	require.Equal(t, "rate limited", serverErrs[0].Error)

	require.NoError(t, f.ctrl.HandleFrame([]byte(chatFrame("7", "hi", "bot", ""))))
	require.NoError(t, f.ctrl.HandleFrame([]byte(chatFrame("7", "hi", "bot", ""))))
	require.Equal(t, 1, f.cache.Len())
	require.Len(t, f.sink.of(EventMessage), 1)
}

func TestHandleFrameProtocolErrorsLeaveStateAlone(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)

	for _, frame := range []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"surprise","data":{}}`,
		`{"type":"chat_message","data":{"content":"no id"}}`,
		`{"type":"typing_indicator","data":"nope"}`,
	} {
		err := f.ctrl.HandleFrame([]byte(frame))
		var perr *ProtocolError
		assert.True(t, errors.As(err, &perr), frame)
	}
	require.Equal(t, StateActive, f.ctrl.State())
	require.Equal(t, 0, f.cache.Len())
}

func TestSessionUpdateIsMonotonic(t *testing.T) {
	f := newFixture(Options{})
	startActive(t, f)

	require.NoError(t, f.ctrl.HandleFrame([]byte(`{"type":"session_update","data":{"status":"pending","assigned_admin_id":7}}`)))
	s := f.ctrl.Session()
	require.Equal(t, SessionActive, s.Status)
	require.Equal(t, "7", s.AssignedAgent)

	require.NoError(t, f.ctrl.HandleFrame([]byte(`{"type":"session_update","data":{"status":"resolved"}}`)))
	require.Equal(t, StateEnded, f.ctrl.State())
	require.Equal(t, SessionResolved, f.ctrl.Session().Status)
	require.Contains(t, f.pool.closedNames(), "sess-1")

	// frames after the end are dropped silently
	require.NoError(t, f.ctrl.HandleFrame([]byte(chatFrame("8", "late", "admin", ""))))
	require.Equal(t, 0, f.cache.Len())
}

func TestHeartbeatPingsWhileActive(t *testing.T) {
	f := newFixture(Options{HeartbeatInterval: 10 * time.Second})
	startActive(t, f)

	f.clock.Advance(10 * time.Second)
	f.clock.Advance(10 * time.Second)
	require.Equal(t, []string{`{"type":"ping"}`, `{"type":"ping"}`}, f.pool.sentFrames())

	f.pool.drop("sess-1", websocket.CloseAbnormalClosure)
	before := len(f.pool.sentFrames())
	// only the reconnect timer is left
	require.Equal(t, 1, f.clock.Pending())
	require.Len(t, f.pool.sentFrames(), before)
}

func TestTranscriptIsRecorded(t *testing.T) {
	store := chatstore.NewInMemoryTranscriptStore(0)
	f := newFixture(Options{Recorder: store})
	startActive(t, f)

	f.pool.deliver("sess-1", chatFrame("11", "hello from support", "admin", ""))
	require.NoError(t, f.ctrl.SendMessage(context.Background(), "thanks"))

	rec, ok, err := store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "active", rec.Status)
	require.Equal(t, "Ada", rec.GuestName)

	msgs, err := store.LoadMessages(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "11", msgs[0].ID)

	f.ctrl.EndChat()
	rec, _, err = store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "closed", rec.Status)
}

func TestLoadHistoryFailureIsSessionError(t *testing.T) {
	f := newFixture(Options{})
	require.ErrorIs(t, f.ctrl.LoadHistory(context.Background()), ErrNoSession)

	startActive(t, f)
	f.api.mu.Lock()
	f.api.listErr = errors.New("timeout")
	f.api.mu.Unlock()

	err := f.ctrl.LoadHistory(context.Background())
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "load", serr.Op)
	require.True(t, strings.Contains(err.Error(), "timeout"))
}
