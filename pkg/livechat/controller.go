// Package livechat drives one guest chat session: it creates the session over REST,
// binds it to a pooled websocket, keeps it alive across transport drops, and routes
// inbound frames into the history cache.
package livechat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/livechat/pkg/chatapi"
	"github.com/go-go-golems/livechat/pkg/history"
	"github.com/go-go-golems/livechat/pkg/persistence/chatstore"
	"github.com/go-go-golems/livechat/pkg/wspool"
)

// SessionAPI is the REST surface the controller needs. *chatapi.Client satisfies it.
type SessionAPI interface {
	CreateSession(ctx context.Context, req chatapi.CreateSessionRequest) (*chatapi.SessionResponse, error)
	ListMessages(ctx context.Context, sessionID string) ([]chatapi.MessageDTO, error)
	CreateMessage(ctx context.Context, sessionID string, req chatapi.CreateMessageRequest) (*chatapi.MessageDTO, error)
	WebSocketURL(sessionID string) string
}

// ConnPool is the connection pool surface the controller needs. *wspool.Pool satisfies it.
type ConnPool interface {
	Connect(ctx context.Context, name, url string) error
	Send(name string, v any) error
	Subscribe(name string, h wspool.Handlers) *wspool.Subscription
	Close(name string)
	IsConnected(name string) bool
}

// TranscriptRecorder persists what the controller sees. It is optional.
type TranscriptRecorder interface {
	UpsertSession(ctx context.Context, record chatstore.SessionRecord) error
	SaveMessages(ctx context.Context, sessionID string, msgs []history.Message) error
}

type Options struct {
	API   SessionAPI
	Pool  ConnPool
	Cache *history.Cache
	Quota QuotaGate
	Sink  EventSink

	Recorder TranscriptRecorder
	Clock    Clock
	Logger   *zerolog.Logger

	// BaseContext bounds background work: history loads, reconnects, event publishing.
	BaseContext context.Context

	Reconnect         ReconnectPolicy
	TypingTimeout     time.Duration
	HeartbeatInterval time.Duration
}

const (
	DefaultTypingTimeout     = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	defaultSenderName        = "Guest"
)

type Controller struct {
	api      SessionAPI
	pool     ConnPool
	cache    *history.Cache
	quota    QuotaGate
	sink     EventSink
	recorder TranscriptRecorder
	clock    Clock
	logger   zerolog.Logger
	baseCtx  context.Context

	policy            ReconnectPolicy
	typingTimeout     time.Duration
	heartbeatInterval time.Duration

	mu         sync.Mutex
	state      State
	session    *Session
	guestName  string
	sub        *wspool.Subscription
	wsURL      string
	epoch      uint64
	attempts   int
	backoff    *backoff.ExponentialBackOff
	reconnectT Timer

	typing      bool
	typingSeq   uint64
	typingT     Timer
	otherTyping bool

	heartbeatT Timer
	lastPong   time.Time
}

func NewController(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, errors.New("livechat: API is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("livechat: Pool is required")
	}
	c := &Controller{
		api:               opts.API,
		pool:              opts.Pool,
		cache:             opts.Cache,
		quota:             opts.Quota,
		sink:              opts.Sink,
		recorder:          opts.Recorder,
		clock:             opts.Clock,
		baseCtx:           opts.BaseContext,
		policy:            opts.Reconnect.withDefaults(),
		typingTimeout:     opts.TypingTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		state:             StateIdle,
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	} else {
		c.logger = log.With().Str("component", "livechat").Logger()
	}
	if c.cache == nil {
		c.cache = history.NewCache(history.WithLogger(c.logger))
	}
	if c.quota == nil {
		c.quota = AllowAll{}
	}
	if c.sink == nil {
		c.sink = nopSink{}
	}
	if c.clock == nil {
		c.clock = SystemClock
	}
	if c.baseCtx == nil {
		c.baseCtx = context.Background()
	}
	if c.typingTimeout <= 0 {
		c.typingTimeout = DefaultTypingTimeout
	}
	if c.heartbeatInterval < 0 {
		c.heartbeatInterval = 0
	}
	c.backoff = c.policy.newBackOff()
	return c, nil
}

// effects collects what has to happen once the controller lock is released:
// pool calls, recorder writes and event publication all call out of the package.
type effects struct {
	events  []Event
	close   string
	release *wspool.Subscription
	record  *Session
}

func (fx *effects) emit(ev ...Event) { fx.events = append(fx.events, ev...) }

func (c *Controller) apply(fx *effects) {
	if fx.close != "" {
		c.pool.Close(fx.close)
	}
	if fx.release != nil {
		fx.release.Release()
	}
	if fx.record != nil {
		c.recordSession(*fx.record)
	}
	for _, ev := range fx.events {
		c.publish(ev)
	}
}

func (c *Controller) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	if err := c.sink.Publish(c.baseCtx, ev); err != nil {
		c.logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("event sink rejected event")
	}
}

func (c *Controller) sessionIDLocked() string {
	if c.session == nil {
		return ""
	}
	return c.session.ExternalID
}

func (c *Controller) setStateLocked(fx *effects, s State) {
	if c.state == s {
		return
	}
	c.state = s
	fx.emit(Event{Kind: EventStateChanged, SessionID: c.sessionIDLocked(), State: s})
}

func (c *Controller) snapshotLocked() *Session {
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// StartSession checks the quota, creates a session over REST and binds it to a pooled
// connection. A failing first connect does not fail the call: the reconnect policy
// takes over and messages go over REST in the meantime.
func (c *Controller) StartSession(ctx context.Context, guest GuestInfo) (*Session, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateEnded {
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	// a session the server ended stays readable until the next start
	discard := c.session != nil
	c.session = nil
	fx := &effects{}
	c.setStateLocked(fx, StateStarting)
	c.mu.Unlock()
	if discard {
		c.cache.Reset()
	}
	c.apply(fx)

	if err := c.quota.Allow(ctx); err != nil {
		fx = &effects{}
		c.mu.Lock()
		c.setStateLocked(fx, StateIdle)
		c.mu.Unlock()
		if errors.Is(err, ErrQuotaExceeded) {
			c.logger.Info().Err(err).Msg("chat session refused by quota")
			fx.emit(Event{Kind: EventQuotaDenied, Error: err.Error()})
		} else {
			c.logger.Warn().Err(err).Msg("quota check failed")
		}
		c.apply(fx)
		return nil, err
	}

	name := strings.TrimSpace(guest.Name)
	if name == "" {
		name = defaultSenderName
	}
	resp, err := c.api.CreateSession(ctx, chatapi.CreateSessionRequest{
		GuestName:      name,
		GuestEmail:     strings.TrimSpace(guest.Email),
		PageURL:        guest.PageURL,
		UserAgent:      guest.UserAgent,
		InitialMessage: strings.TrimSpace(guest.InitialMessage),
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("create chat session failed")
		fx = &effects{}
		c.mu.Lock()
		c.setStateLocked(fx, StateIdle)
		c.mu.Unlock()
		c.apply(fx)
		return nil, &SessionError{Op: "create", Err: err}
	}
	c.quota.Consume()

	sess := &Session{
		ID:          resp.ID.String(),
		ExternalID:  resp.SessionID,
		Status:      ParseSessionStatus(resp.Status),
		AdminOnline: resp.IsOnline,
	}
	if ts, err := chatapi.ParseTimestamp(resp.StartedAt); err == nil {
		sess.StartedAt = ts
	} else {
		sess.StartedAt = c.clock.Now().UTC()
	}
	if resp.AssignedAdminID != nil {
		sess.AssignedAgent = resp.AssignedAdminID.String()
	}
	url := c.api.WebSocketURL(sess.ExternalID)
	c.cache.Reset()

	fx = &effects{}
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.session = sess
	c.guestName = name
	c.wsURL = url
	c.attempts = 0
	c.backoff.Reset()
	c.typing = false
	c.otherTyping = false
	c.lastPong = time.Time{}
	c.sub = c.pool.Subscribe(sess.ExternalID, c.handlers(epoch))
	fx.emit(Event{Kind: EventSessionStarted, SessionID: sess.ExternalID, Status: sess.Status})
	c.setStateLocked(fx, StateConnecting)
	fx.record = c.snapshotLocked()
	c.mu.Unlock()
	c.apply(fx)

	c.logger.Info().Str("session", sess.ExternalID).Str("url", url).Msg("chat session created")

	if err := c.pool.Connect(ctx, sess.ExternalID, url); err != nil {
		c.logger.Warn().Err(err).Str("session", sess.ExternalID).Msg("initial connect failed")
		fx = &effects{}
		c.mu.Lock()
		if c.epoch == epoch && c.state == StateConnecting {
			c.scheduleReconnectLocked(fx, epoch)
		}
		c.mu.Unlock()
		c.apply(fx)
	} else {
		c.closeIfStale(epoch, sess.ExternalID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), nil
}

func (c *Controller) handlers(epoch uint64) wspool.Handlers {
	return wspool.Handlers{
		OnOpen:    func() { c.onOpen(epoch) },
		OnMessage: func(data []byte) { _ = c.handleFrame(epoch, data) },
		OnClose:   func(ev wspool.CloseEvent) { c.onClose(epoch, ev) },
		OnError: func(err error) {
			c.logger.Debug().Err(err).Msg("transport error")
		},
	}
}

func (c *Controller) onOpen(epoch uint64) {
	fx := &effects{}
	c.mu.Lock()
	if c.epoch != epoch || c.session == nil || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(&c.reconnectT)
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(fx, StateActive)
	if c.session.advance(SessionActive) {
		fx.emit(Event{Kind: EventSessionUpdated, SessionID: c.session.ExternalID, Status: c.session.Status})
		fx.record = c.snapshotLocked()
	}
	c.armHeartbeatLocked(epoch)
	sessionID := c.session.ExternalID
	c.mu.Unlock()
	c.apply(fx)

	c.logger.Info().Str("session", sessionID).Msg("chat connection open")
	go c.loadHistory(epoch, sessionID)
}

func (c *Controller) onClose(epoch uint64, ev wspool.CloseEvent) {
	fx := &effects{}
	c.mu.Lock()
	if c.epoch != epoch || c.session == nil || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(&c.heartbeatT)
	if ev.Normal() {
		c.logger.Info().Str("session", c.session.ExternalID).Str("reason", ev.Reason).Msg("session closed by server")
		c.terminateLocked(fx, SessionClosed)
	} else {
		c.logger.Warn().Str("session", c.session.ExternalID).Int("code", ev.Code).Str("reason", ev.Reason).Msg("connection dropped")
		c.scheduleReconnectLocked(fx, epoch)
	}
	c.mu.Unlock()
	c.apply(fx)
}

// scheduleReconnectLocked arms the single reconnect timer. While one is pending a
// second drop schedules nothing; past MaxAttempts the session is given up.
func (c *Controller) scheduleReconnectLocked(fx *effects, epoch uint64) {
	if c.reconnectT != nil {
		return
	}
	c.attempts++
	if c.policy.MaxAttempts > 0 && c.attempts > c.policy.MaxAttempts {
		terr := &wspool.TransportError{
			Op:   "reconnect",
			Name: c.session.ExternalID,
			Err:  errors.Errorf("gave up after %d attempts", c.policy.MaxAttempts),
		}
		c.logger.Error().Err(terr).Msg("reconnect abandoned")
		fx.emit(Event{Kind: EventReconnectAbandoned, SessionID: c.session.ExternalID, Attempt: c.attempts - 1, Error: terr.Error()})
		c.terminateLocked(fx, SessionClosed)
		return
	}
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = c.policy.MaxInterval
	}
	c.setStateLocked(fx, StateReconnecting)
	c.reconnectT = c.clock.AfterFunc(delay, func() { c.reconnect(epoch) })
	fx.emit(Event{Kind: EventReconnectScheduled, SessionID: c.session.ExternalID, Attempt: c.attempts, Delay: delay})
	c.logger.Info().Str("session", c.session.ExternalID).Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Controller) reconnect(epoch uint64) {
	fx := &effects{}
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateReconnecting || c.reconnectT == nil {
		c.mu.Unlock()
		return
	}
	c.reconnectT = nil
	c.setStateLocked(fx, StateConnecting)
	name, url := c.session.ExternalID, c.wsURL
	c.mu.Unlock()
	c.apply(fx)

	if err := c.pool.Connect(c.baseCtx, name, url); err != nil {
		c.logger.Warn().Err(err).Str("session", name).Msg("reconnect failed")
		fx = &effects{}
		c.mu.Lock()
		if c.epoch == epoch && c.state == StateConnecting {
			c.scheduleReconnectLocked(fx, epoch)
		}
		c.mu.Unlock()
		c.apply(fx)
		return
	}
	c.closeIfStale(epoch, name)
}

// closeIfStale closes a transport that finished connecting after its session ended.
func (c *Controller) closeIfStale(epoch uint64, name string) {
	c.mu.Lock()
	stale := c.epoch != epoch
	c.mu.Unlock()
	if stale {
		c.logger.Debug().Str("session", name).Msg("closing transport of an ended session")
		c.pool.Close(name)
	}
}

// terminateLocked moves the session to Ended and invalidates every pending timer and
// callback. The session snapshot and the cache stay readable until EndChat.
func (c *Controller) terminateLocked(fx *effects, status SessionStatus) {
	if c.state == StateEnded {
		return
	}
	c.epoch++
	c.stopTimerLocked(&c.reconnectT)
	c.stopTimerLocked(&c.typingT)
	c.stopTimerLocked(&c.heartbeatT)
	c.typing = false
	c.otherTyping = false
	if c.session != nil {
		c.session.advance(status)
		fx.close = c.session.ExternalID
		fx.record = c.snapshotLocked()
		fx.emit(Event{Kind: EventSessionEnded, SessionID: c.session.ExternalID, Status: c.session.Status})
	}
	fx.release = c.sub
	c.sub = nil
	c.setStateLocked(fx, StateEnded)
}

func (c *Controller) stopTimerLocked(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// EndChat ends the session from the guest's side. It is terminal: timers are
// cancelled, the connection is closed and the cache is emptied. A later StartSession
// begins a fresh session.
func (c *Controller) EndChat() {
	fx := &effects{}
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	c.logger.Info().Str("session", c.session.ExternalID).Msg("ending chat session")
	c.terminateLocked(fx, SessionClosed)
	c.session = nil
	c.wsURL = ""
	c.mu.Unlock()
	c.cache.Reset()
	c.apply(fx)
}

// SendMessage appends the text optimistically and delivers it over the websocket,
// falling back to REST when the connection is not open or the write fails.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.mu.Lock()
	if c.session == nil || c.state == StateEnded {
		c.mu.Unlock()
		return ErrNoSession
	}
	sessionID := c.session.ExternalID
	sender := c.guestName
	wasTyping := c.typing
	if wasTyping {
		c.typing = false
		c.typingSeq++
		c.stopTimerLocked(&c.typingT)
	}
	c.mu.Unlock()

	if wasTyping {
		c.sendTyping(sessionID, false)
	}

	clientID := uuid.NewString()
	local := c.cache.AppendLocal(text, sender, clientID)
	c.publish(Event{Kind: EventMessage, SessionID: sessionID, Message: &local, Unread: c.cache.UnreadCount()})

	if c.pool.IsConnected(sessionID) {
		err := c.pool.Send(sessionID, ChatMessageFrame{
			Type:            FrameChatMessage,
			Content:         text,
			SenderName:      sender,
			ClientMessageID: clientID,
		})
		if err == nil {
			return nil
		}
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("websocket send failed, falling back to REST")
	}

	dto, err := c.api.CreateMessage(ctx, sessionID, chatapi.CreateMessageRequest{
		Content:         text,
		MessageType:     string(history.SenderUser),
		SenderName:      sender,
		ClientMessageID: clientID,
	})
	if err != nil {
		serr := &SessionError{Op: "send", SessionID: sessionID, Err: err}
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("message delivery failed")
		c.publish(Event{Kind: EventDeliveryFailed, SessionID: sessionID, Message: &local, Error: serr.Error()})
		return serr
	}
	m := dto.Message()
	if m.ClientID == "" {
		m.ClientID = clientID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = local.Timestamp
	}
	if c.cache.Ingest(m) {
		c.publish(Event{Kind: EventMessage, SessionID: sessionID, Message: &m, Unread: c.cache.UnreadCount()})
		c.saveMessages(sessionID, m)
	}
	return nil
}

// LoadHistory refetches the full history of the current session.
func (c *Controller) LoadHistory(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	sessionID := c.session.ExternalID
	c.mu.Unlock()

	if err := c.cache.Load(ctx, c.fetcher(), sessionID); err != nil {
		return &SessionError{Op: "load", SessionID: sessionID, Err: err}
	}
	msgs := c.cache.Messages()
	c.publish(Event{Kind: EventHistoryLoaded, SessionID: sessionID, Count: len(msgs), Unread: c.cache.UnreadCount()})
	c.saveMessages(sessionID, msgs...)
	return nil
}

func (c *Controller) loadHistory(epoch uint64, sessionID string) {
	if err := c.cache.Load(c.baseCtx, c.fetcher(), sessionID); err != nil {
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("history load failed")
		return
	}
	c.mu.Lock()
	stale := c.epoch != epoch
	c.mu.Unlock()
	if stale {
		return
	}
	msgs := c.cache.Messages()
	c.publish(Event{Kind: EventHistoryLoaded, SessionID: sessionID, Count: len(msgs), Unread: c.cache.UnreadCount()})
	c.saveMessages(sessionID, msgs...)
}

func (c *Controller) fetcher() history.Fetcher {
	return history.FetcherFunc(func(ctx context.Context, sessionID string) ([]history.Message, error) {
		dtos, err := c.api.ListMessages(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		msgs := make([]history.Message, 0, len(dtos))
		for _, d := range dtos {
			msgs = append(msgs, d.Message())
		}
		return msgs, nil
	})
}

// Keystroke reports local typing. The first keystroke sends is_typing=true; the
// indicator is cleared once no keystroke arrived for the typing timeout.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	if c.session == nil || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	start := !c.typing
	c.typing = true
	c.typingSeq++
	seq := c.typingSeq
	c.stopTimerLocked(&c.typingT)
	c.typingT = c.clock.AfterFunc(c.typingTimeout, func() { c.typingExpired(seq) })
	sessionID := c.session.ExternalID
	c.mu.Unlock()

	if start {
		c.sendTyping(sessionID, true)
	}
}

func (c *Controller) typingExpired(seq uint64) {
	c.mu.Lock()
	if seq != c.typingSeq || !c.typing || c.session == nil {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.typingT = nil
	sessionID := c.session.ExternalID
	c.mu.Unlock()
	c.sendTyping(sessionID, false)
}

func (c *Controller) sendTyping(sessionID string, typing bool) {
	if err := c.pool.Send(sessionID, TypingFrame{Type: FrameTyping, IsTyping: typing}); err != nil {
		c.logger.Debug().Err(err).Bool("typing", typing).Msg("typing indicator not sent")
	}
}

func (c *Controller) armHeartbeatLocked(epoch uint64) {
	if c.heartbeatInterval <= 0 {
		return
	}
	c.stopTimerLocked(&c.heartbeatT)
	c.heartbeatT = c.clock.AfterFunc(c.heartbeatInterval, func() { c.heartbeat(epoch) })
}

func (c *Controller) heartbeat(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.heartbeatT = nil
	c.armHeartbeatLocked(epoch)
	sessionID := c.session.ExternalID
	c.mu.Unlock()
	if err := c.pool.Send(sessionID, PingFrame{Type: FramePing}); err != nil {
		c.logger.Debug().Err(err).Msg("heartbeat ping not sent")
	}
}

// MarkRead marks every cached message read and returns how many changed.
func (c *Controller) MarkRead() int {
	n := c.cache.MarkRead()
	if n > 0 {
		c.mu.Lock()
		sessionID := c.sessionIDLocked()
		c.mu.Unlock()
		c.publish(Event{Kind: EventUnreadChanged, SessionID: sessionID, Unread: 0})
	}
	return n
}

func (c *Controller) Messages() []history.Message { return c.cache.Messages() }

func (c *Controller) UnreadCount() int { return c.cache.UnreadCount() }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) IsOtherTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.otherTyping
}

// LastPong is when the server last answered a heartbeat ping.
func (c *Controller) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Controller) recordSession(s Session) {
	if c.recorder == nil {
		return
	}
	c.mu.Lock()
	guest := c.guestName
	c.mu.Unlock()
	err := c.recorder.UpsertSession(c.baseCtx, chatstore.SessionRecord{
		SessionID:     s.ExternalID,
		ServerID:      s.ID,
		Status:        string(s.Status),
		GuestName:     guest,
		AssignedAgent: s.AssignedAgent,
		StartedAtMs:   s.StartedAt.UnixMilli(),
		UpdatedAtMs:   c.clock.Now().UnixMilli(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("session", s.ExternalID).Msg("failed to record session")
	}
}

func (c *Controller) saveMessages(sessionID string, msgs ...history.Message) {
	if c.recorder == nil || len(msgs) == 0 {
		return
	}
	if err := c.recorder.SaveMessages(c.baseCtx, sessionID, msgs); err != nil {
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("failed to save messages")
	}
}
