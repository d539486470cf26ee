// Package history holds the ordered, deduplicated message list of the active chat
// session. It merges bulk-loaded history with streamed messages and tracks unread
// state.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher loads the full message list of a session.
type Fetcher interface {
	FetchMessages(ctx context.Context, sessionID string) ([]Message, error)
}

type FetcherFunc func(ctx context.Context, sessionID string) ([]Message, error)

func (f FetcherFunc) FetchMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return f(ctx, sessionID)
}

// Cache is safe for concurrent use. Ingest is idempotent and commutes with Load, so a
// streamed message that races a history fetch is neither lost nor duplicated.
type Cache struct {
	self   SenderType
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.Mutex
	messages []Message
	ids      map[string]struct{}
	unread   int

	loadGen  uint64
	loading  bool
	streamed map[string]struct{}
}

type Option func(*Cache)

// WithSelf sets which sender is the local party; its messages never count as unread.
func WithSelf(s SenderType) Option {
	return func(c *Cache) { c.self = s }
}

func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func NewCache(opts ...Option) *Cache {
	c := &Cache{
		self:   SenderUser,
		now:    time.Now,
		logger: log.With().Str("component", "history").Logger(),
		ids:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load fetches the session's messages and replaces the cache with them. Messages
// ingested while the fetch was in flight, and optimistic messages the result does not
// confirm, are carried over.
func (c *Cache) Load(ctx context.Context, f Fetcher, sessionID string) error {
	if f == nil {
		return errors.New("history: nil fetcher")
	}
	c.mu.Lock()
	c.loadGen++
	gen := c.loadGen
	c.loading = true
	c.streamed = map[string]struct{}{}
	c.mu.Unlock()

	loaded, err := f.FetchMessages(ctx, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.loadGen {
		// a newer load owns the cache now
		return nil
	}
	c.loading = false
	streamed := c.streamed
	c.streamed = nil
	if err != nil {
		return errors.Wrapf(err, "history: load session %s", sessionID)
	}

	next := make([]Message, 0, len(loaded)+len(streamed))
	ids := make(map[string]struct{}, len(loaded)+len(streamed))
	confirmed := map[string]struct{}{}
	for _, m := range loaded {
		if m.ID == "" {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		if m.ClientID != "" {
			confirmed[m.ClientID] = struct{}{}
		}
		next = append(next, m)
	}
	kept := 0
	for _, m := range c.messages {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		if m.Local {
			if _, done := confirmed[m.ClientID]; done {
				continue
			}
		} else if _, ok := streamed[m.ID]; !ok {
			continue
		}
		ids[m.ID] = struct{}{}
		next = append(next, m)
		kept++
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Timestamp.Before(next[j].Timestamp)
	})

	c.messages = next
	c.ids = ids
	c.unread = 0
	for _, m := range next {
		if c.countsAsUnread(m) {
			c.unread++
		}
	}
	c.logger.Debug().
		Str("session_id", sessionID).
		Int("loaded", len(loaded)).
		Int("carried_over", kept).
		Int("unread", c.unread).
		Msg("history loaded")
	return nil
}

// Ingest inserts m in timestamp order. A message whose id is already cached is
// discarded and Ingest returns false. A message carrying the correlation id of an
// optimistic entry replaces that entry.
func (c *Cache) Ingest(m Message) bool {
	if m.ID == "" {
		c.logger.Warn().Msg("dropping message without id")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[m.ID]; ok {
		return false
	}
	if m.ClientID != "" {
		c.removeLocalLocked(m.ClientID)
	}
	c.insertLocked(m)
	if c.countsAsUnread(m) {
		c.unread++
	}
	return true
}

// AppendLocal adds an optimistic message from the local party. Its temporary id is
// derived from clientID, which the server is expected to echo back.
func (c *Cache) AppendLocal(content, senderName, clientID string) Message {
	m := Message{
		ID:         "local-" + clientID,
		ClientID:   clientID,
		Content:    content,
		SenderType: c.self,
		SenderName: senderName,
		Timestamp:  c.now(),
		IsRead:     true,
		Local:      true,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[m.ID]; !ok {
		c.insertLocked(m)
	}
	return m
}

func (c *Cache) insertLocked(m Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].Timestamp.After(m.Timestamp)
	})
	c.messages = append(c.messages, Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
	c.ids[m.ID] = struct{}{}
	if c.loading {
		c.streamed[m.ID] = struct{}{}
	}
}

func (c *Cache) removeLocalLocked(clientID string) {
	for i, cur := range c.messages {
		if cur.Local && cur.ClientID == clientID {
			delete(c.ids, cur.ID)
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

func (c *Cache) countsAsUnread(m Message) bool {
	return !m.IsRead && m.SenderType != c.self
}

// MarkRead marks every cached message read and returns how many changed.
func (c *Cache) MarkRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := 0
	for i := range c.messages {
		if !c.messages[i].IsRead {
			c.messages[i].IsRead = true
			changed++
		}
	}
	c.unread = 0
	return changed
}

// Messages returns a copy of the cached messages in display order.
func (c *Cache) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *Cache) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[id]
	return ok
}

// Reset empties the cache and abandons any load in flight.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.ids = map[string]struct{}{}
	c.unread = 0
	c.loadGen++
	c.loading = false
	c.streamed = nil
}
