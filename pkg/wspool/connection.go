package wspool

import (
	"sync"

	"github.com/rs/zerolog"
)

// Connection is one named transport slot. Its subscriber slice is copy-on-write so the
// read loop can dispatch without holding the lock.
type Connection struct {
	name     string
	endpoint string

	mu        sync.Mutex
	writeMu   sync.Mutex
	state     State
	transport Conn
	gen       uint64
	subs      []*Subscription
	nextSubID uint64
}

// unopenedLocked returns the subscribers that have not seen OnOpen for gen and marks
// them as notified. c.mu must be held.
func (c *Connection) unopenedLocked(gen uint64) []*Subscription {
	var out []*Subscription
	for _, s := range c.subs {
		if s.openedGen != gen {
			s.openedGen = gen
			out = append(out, s)
		}
	}
	return out
}

// markOpened reports whether s still has to be told about the open transport of
// generation gen, and marks it told.
func (c *Connection) markOpened(s *Subscription, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.gen != gen || s.openedGen == gen {
		return false
	}
	s.openedGen = gen
	return true
}

// Subscription is one consumer's attachment to a named connection.
type Subscription struct {
	pool     *Pool
	conn     *Connection
	id       uint64
	handlers Handlers
	logger   zerolog.Logger
	once     sync.Once

	// deliverMu orders a late open before the first message on the read loop.
	deliverMu sync.Mutex
	// openedGen is the connection generation this subscriber saw OnOpen for.
	// Guarded by the connection's mu.
	openedGen uint64
}

// Name returns the connection name the subscription is attached to.
func (s *Subscription) Name() string {
	if s == nil || s.conn == nil {
		return ""
	}
	return s.conn.name
}

// Release detaches the handlers. The connection stays open while other subscribers
// hold it; the last release closes it. Release is idempotent.
func (s *Subscription) Release() {
	if s == nil || s.pool == nil {
		return
	}
	s.once.Do(func() { s.pool.release(s) })
}

func (s *Subscription) fireOpen() {
	if s.handlers.OnOpen == nil {
		return
	}
	defer s.recover("open")
	s.handlers.OnOpen()
}

func (s *Subscription) fireMessage(data []byte) {
	if s.handlers.OnMessage == nil {
		return
	}
	defer s.recover("message")
	s.handlers.OnMessage(data)
}

func (s *Subscription) fireClose(ev CloseEvent) {
	if s.handlers.OnClose == nil {
		return
	}
	defer s.recover("close")
	s.handlers.OnClose(ev)
}

func (s *Subscription) fireError(err error) {
	if s.handlers.OnError == nil {
		return
	}
	defer s.recover("error")
	s.handlers.OnError(err)
}

// a panicking subscriber must not take the read loop down with it
func (s *Subscription) recover(event string) {
	if r := recover(); r != nil {
		s.logger.Error().
			Interface("panic", r).
			Str("name", s.Name()).
			Str("event", event).
			Uint64("subscriber", s.id).
			Msg("subscriber handler panicked")
	}
}
