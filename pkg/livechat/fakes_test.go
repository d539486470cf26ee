package livechat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/livechat/pkg/chatapi"
	"github.com/go-go-golems/livechat/pkg/history"
	"github.com/go-go-golems/livechat/pkg/wspool"
)

// manualClock only fires timers when the test advances it.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs the timers that became due. Timers armed by
// those callbacks wait for the next Advance.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakePool fires handlers synchronously, the way wspool fires OnOpen from Connect.
type fakePool struct {
	mu          sync.Mutex
	handlers    map[string]wspool.Handlers
	connected   map[string]bool
	connectErrs []error
	failAll     error
	connects    []string
	urls        []string
	sent        []string
	sendErr     error
	closed      []string
	// beforeConnect runs once at the start of the next Connect, outside the lock.
	beforeConnect func()
}

func newFakePool() *fakePool {
	return &fakePool{handlers: map[string]wspool.Handlers{}, connected: map[string]bool{}}
}

func (p *fakePool) Connect(_ context.Context, name, url string) error {
	p.mu.Lock()
	hook := p.beforeConnect
	p.beforeConnect = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	p.connects = append(p.connects, name)
	p.urls = append(p.urls, url)
	var err error
	if len(p.connectErrs) > 0 {
		err = p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
	} else if p.failAll != nil {
		err = p.failAll
	}
	if err != nil {
		p.mu.Unlock()
		return &wspool.TransportError{Op: "connect", Name: name, Err: err}
	}
	p.connected[name] = true
	h := p.handlers[name]
	p.mu.Unlock()
	if h.OnOpen != nil {
		h.OnOpen()
	}
	return nil
}

func (p *fakePool) Send(name string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[name] {
		return &wspool.TransportError{Op: "send", Name: name, Err: wspool.ErrNotConnected}
	}
	if p.sendErr != nil {
		return &wspool.TransportError{Op: "send", Name: name, Err: p.sendErr}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, string(b))
	return nil
}

func (p *fakePool) Subscribe(name string, h wspool.Handlers) *wspool.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
	return &wspool.Subscription{}
}

func (p *fakePool) Close(name string) {
	p.mu.Lock()
	p.closed = append(p.closed, name)
	p.connected[name] = false
	h := p.handlers[name]
	delete(p.handlers, name)
	p.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose(wspool.CloseEvent{Code: wspool.CloseNormal, Reason: "client closed"})
	}
}

func (p *fakePool) IsConnected(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected[name]
}

func (p *fakePool) drop(name string, code int) {
	p.mu.Lock()
	p.connected[name] = false
	h := p.handlers[name]
	p.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose(wspool.CloseEvent{Code: code, Reason: "dropped"})
	}
}

func (p *fakePool) deliver(name string, frame string) {
	p.mu.Lock()
	h := p.handlers[name]
	p.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage([]byte(frame))
	}
}

func (p *fakePool) sentFrames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *fakePool) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connects)
}

func (p *fakePool) closedNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.closed...)
}

type fakeAPI struct {
	mu          sync.Mutex
	sessionID   string
	status      string
	createCalls int
	createErr   error
	history     []chatapi.MessageDTO
	listErr     error
	listCalls   int
	created     []chatapi.CreateMessageRequest
	createMsgEr error
	nextID      int
	sessionReqs []chatapi.CreateSessionRequest
	wsBase      string
}

func newFakeAPI(sessionID string) *fakeAPI {
	return &fakeAPI{sessionID: sessionID, status: "pending", nextID: 100, wsBase: "ws://chat.test"}
}

func (a *fakeAPI) CreateSession(_ context.Context, req chatapi.CreateSessionRequest) (*chatapi.SessionResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createCalls++
	a.sessionReqs = append(a.sessionReqs, req)
	if a.createErr != nil {
		return nil, a.createErr
	}
	return &chatapi.SessionResponse{
		ID:        "42",
		SessionID: a.sessionID,
		Status:    a.status,
		StartedAt: "2024-05-01T12:00:00Z",
	}, nil
}

func (a *fakeAPI) ListMessages(_ context.Context, _ string) ([]chatapi.MessageDTO, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]chatapi.MessageDTO(nil), a.history...), nil
}

func (a *fakeAPI) CreateMessage(_ context.Context, _ string, req chatapi.CreateMessageRequest) (*chatapi.MessageDTO, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, req)
	if a.createMsgEr != nil {
		return nil, a.createMsgEr
	}
	a.nextID++
	return &chatapi.MessageDTO{
		ID:              chatapi.ID(fmt.Sprint(a.nextID)),
		Content:         req.Content,
		MessageType:     req.MessageType,
		SenderName:      req.SenderName,
		CreatedAt:       "2024-05-01T12:00:05Z",
		IsRead:          true,
		ClientMessageID: req.ClientMessageID,
	}, nil
}

func (a *fakeAPI) WebSocketURL(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wsBase + "/chat/ws/" + sessionID
}

func (a *fakeAPI) sessionRequests() []chatapi.CreateSessionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chatapi.CreateSessionRequest(nil), a.sessionReqs...)
}

func (a *fakeAPI) createSessionCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createCalls
}

func (a *fakeAPI) createdMessages() []chatapi.CreateMessageRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chatapi.CreateMessageRequest(nil), a.created...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) of(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	api   *fakeAPI
	pool  *fakePool
	clock *manualClock
	sink  *recordingSink
	cache *history.Cache
	ctrl  *Controller
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		api:   newFakeAPI("sess-1"),
		pool:  newFakePool(),
		clock: newManualClock(),
		sink:  &recordingSink{},
	}
	f.cache = history.NewCache(history.WithNow(f.clock.Now))
	opts.API = f.api
	opts.Pool = f.pool
	opts.Clock = f.clock
	opts.Sink = f.sink
	opts.Cache = f.cache
	ctrl, err := NewController(opts)
	if err != nil {
		panic(errors.Wrap(err, "new controller"))
	}
	f.ctrl = ctrl
	return f
}

func chatFrame(id, content, senderType, clientID string) string {
	data := map[string]any{
		"id":           id,
		"content":      content,
		"message_type": senderType,
		"created_at":   "2024-05-01T12:00:10Z",
		"sender_name":  "Agent Smith",
		"is_read":      false,
	}
	if clientID != "" {
		data["client_message_id"] = clientID
	}
	b, _ := json.Marshal(map[string]any{"type": FrameChatMessage, "data": data})
	return string(b)
}
