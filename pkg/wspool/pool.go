// Package wspool keeps zero or one live websocket per logical name and shares it
// between any number of independent subscribers.
//
// The pool has no reconnection or session policy. Callers decide when to connect
// again after a drop.
package wspool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Pool owns the named connections. Construct one with New and inject it into consumers.
type Pool struct {
	dialer         Dialer
	connectTimeout time.Duration
	writeTimeout   time.Duration
	logger         zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	flight singleflight.Group
}

type Option func(*Pool)

func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) { p.connectTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(p *Pool) { p.writeTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func New(opts ...Option) *Pool {
	p := &Pool{
		connectTimeout: 10 * time.Second,
		writeTimeout:   5 * time.Second,
		logger:         log.With().Str("component", "wspool").Logger(),
		conns:          map[string]*Connection{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		p.dialer = NewWebsocketDialer(p.connectTimeout)
	}
	return p
}

// Connect makes sure the connection called name is open on url. An open connection
// returns immediately, a connection that is being dialed is joined, anything else is
// dialed anew. Connecting an open name to a different url replaces the transport.
func (p *Pool) Connect(ctx context.Context, name, url string) error {
	if name == "" {
		return transportErr("connect", name, errors.New("empty connection name"))
	}
	if url == "" {
		return transportErr("connect", name, errors.New("empty endpoint"))
	}
	c := p.getOrCreate(name)

	c.mu.Lock()
	if c.state == StateOpen && c.endpoint == url {
		c.mu.Unlock()
		p.openLateSubscribers(c)
		return nil
	}
	c.mu.Unlock()

	_, err, shared := p.flight.Do(name, func() (any, error) {
		return nil, p.dial(ctx, c, url)
	})
	if shared {
		p.logger.Debug().Str("name", name).Msg("joined in-flight connect")
	}
	if err != nil {
		return err
	}
	p.openLateSubscribers(c)
	return nil
}

// openLateSubscribers fires OnOpen for subscribers that joined an already open
// connection. Every subscriber sees OnOpen once per transport.
func (p *Pool) openLateSubscribers(c *Connection) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	var pending []*Subscription
	for _, s := range c.subs {
		if s.openedGen != gen {
			pending = append(pending, s)
		}
	}
	c.mu.Unlock()

	for _, s := range pending {
		s.deliverMu.Lock()
		if c.markOpened(s, gen) {
			s.fireOpen()
		}
		s.deliverMu.Unlock()
	}
}

func (p *Pool) dial(ctx context.Context, c *Connection, url string) error {
	c.mu.Lock()
	if c.state == StateOpen && c.endpoint == url {
		c.mu.Unlock()
		return nil
	}
	// the previous transport, if any, is replaced rather than kept alongside
	old := c.transport
	c.transport = nil
	c.gen++
	gen := c.gen
	c.endpoint = url
	c.state = StateConnecting
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	dialCtx := ctx
	if p.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.connectTimeout)
		defer cancel()
	}

	p.logger.Debug().Str("name", c.name).Str("url", url).Msg("dialing")
	conn, err := p.dialer.Dial(dialCtx, url)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateClosed
		}
		c.mu.Unlock()
		p.logger.Warn().Err(err).Str("name", c.name).Str("url", url).Msg("dial failed")
		return transportErr("connect", c.name, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// closed while the handshake was in flight
		c.mu.Unlock()
		_ = conn.Close()
		return transportErr("connect", c.name, errors.New("connection closed during handshake"))
	}
	c.transport = conn
	c.state = StateOpen
	subs := c.unopenedLocked(gen)
	c.mu.Unlock()

	p.logger.Info().Str("name", c.name).Str("url", url).Msg("connection open")
	for _, s := range subs {
		s.fireOpen()
	}
	go p.readLoop(c, conn, gen)
	return nil
}

func (p *Pool) readLoop(c *Connection, conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.handleDrop(c, conn, gen, err)
			return
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		subs := c.subs
		c.mu.Unlock()
		for _, s := range subs {
			s.deliverMu.Lock()
			if c.markOpened(s, gen) {
				s.fireOpen()
			}
			s.fireMessage(data)
			s.deliverMu.Unlock()
		}
	}
}

func (p *Pool) handleDrop(c *Connection, conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = StateClosed
	subs := c.subs
	c.mu.Unlock()
	_ = conn.Close()

	ev := closeEventFromErr(err)
	l := p.logger.With().Str("name", c.name).Int("code", ev.Code).Logger()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		l.Warn().Err(err).Msg("transport dropped")
		terr := transportErr("read", c.name, err)
		for _, s := range subs {
			s.fireError(terr)
		}
	} else {
		l.Info().Str("reason", ev.Reason).Msg("transport closed by peer")
	}
	for _, s := range subs {
		s.fireClose(ev)
	}
}

func closeEventFromErr(err error) CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseEvent{Code: ce.Code, Reason: ce.Text}
	}
	return CloseEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

// Send serializes v as JSON and writes it as one text frame. []byte and json.RawMessage
// are written as they are. Nothing is queued: a connection that is not open fails with
// ErrNotConnected.
func (p *Pool) Send(name string, v any) error {
	c := p.lookup(name)
	if c == nil {
		return transportErr("send", name, ErrNotConnected)
	}
	c.mu.Lock()
	if c.state != StateOpen || c.transport == nil {
		c.mu.Unlock()
		return transportErr("send", name, ErrNotConnected)
	}
	conn := c.transport
	c.mu.Unlock()

	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case json.RawMessage:
		data = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return transportErr("send", name, errors.Wrap(err, "marshal payload"))
		}
		data = b
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if p.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return transportErr("send", name, err)
	}
	return nil
}

// Subscribe registers handlers on the connection called name, creating an idle entry
// if the name is unknown. Handlers fire in registration order.
func (p *Pool) Subscribe(name string, h Handlers) *Subscription {
	c := p.getOrCreate(name)
	s := &Subscription{pool: p, conn: c, handlers: h, logger: p.logger}
	c.mu.Lock()
	c.nextSubID++
	s.id = c.nextSubID
	subs := make([]*Subscription, 0, len(c.subs)+1)
	subs = append(subs, c.subs...)
	c.subs = append(subs, s)
	c.mu.Unlock()
	return s
}

func (p *Pool) release(s *Subscription) {
	c := s.conn
	c.mu.Lock()
	idx := -1
	for i, cur := range c.subs {
		if cur == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(c.subs)-1)
	subs = append(subs, c.subs[:idx]...)
	subs = append(subs, c.subs[idx+1:]...)
	c.subs = subs
	last := len(subs) == 0
	c.mu.Unlock()

	if last {
		p.logger.Debug().Str("name", c.name).Msg("last subscriber released")
		p.closeConnection(c, "last subscriber released")
	}
}

// Close tears down the connection called name, tells every subscriber and leaves the
// name Closed with no subscribers. Closing an unknown name is a no-op.
func (p *Pool) Close(name string) {
	c := p.lookup(name)
	if c == nil {
		return
	}
	p.closeConnection(c, "client closed")
}

// CloseAll closes every connection the pool owns.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		p.closeConnection(c, "pool closed")
	}
}

func (p *Pool) closeConnection(c *Connection, reason string) {
	c.mu.Lock()
	c.gen++
	conn := c.transport
	c.transport = nil
	c.state = StateClosing
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		if p.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, reason))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	p.logger.Info().Str("name", c.name).Str("reason", reason).Msg("connection closed")
	ev := CloseEvent{Code: CloseNormal, Reason: reason}
	for _, s := range subs {
		s.fireClose(ev)
	}
}

// IsConnected reports whether the connection called name is open.
func (p *Pool) IsConnected(name string) bool {
	return p.State(name) == StateOpen
}

// State returns the state of the connection called name; unknown names are idle.
func (p *Pool) State(name string) State {
	c := p.lookup(name)
	if c == nil {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribers returns how many subscribers hold the connection called name.
func (p *Pool) Subscribers(name string) int {
	c := p.lookup(name)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (p *Pool) lookup(name string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[name]
}

func (p *Pool) getOrCreate(name string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[name]
	if !ok {
		c = &Connection{name: name, state: StateIdle}
		p.conns[name] = c
	}
	return c
}
