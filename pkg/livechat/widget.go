package livechat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/livechat/pkg/chatapi"
)

// WidgetStatusSource is satisfied by *chatapi.Client.
type WidgetStatusSource interface {
	WidgetStatus(ctx context.Context) (*chatapi.WidgetStatus, error)
}

const DefaultWidgetPollInterval = 60 * time.Second

// StatusPoller keeps the last known widget status. A failed poll keeps the previous
// snapshot.
type StatusPoller struct {
	src      WidgetStatusSource
	interval time.Duration
	logger   zerolog.Logger

	// OnUpdate is called after every successful poll, outside the poller's lock.
	OnUpdate func(chatapi.WidgetStatus)

	mu      sync.Mutex
	last    *chatapi.WidgetStatus
	updated time.Time
}

func NewStatusPoller(src WidgetStatusSource, interval time.Duration, logger *zerolog.Logger) *StatusPoller {
	if interval <= 0 {
		interval = DefaultWidgetPollInterval
	}
	p := &StatusPoller{src: src, interval: interval}
	if logger != nil {
		p.logger = *logger
	} else {
		p.logger = log.With().Str("component", "widget-status").Logger()
	}
	return p
}

// Run polls immediately and then on every interval until ctx is cancelled.
func (p *StatusPoller) Run(ctx context.Context) error {
	_ = p.PollOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = p.PollOnce(ctx)
		}
	}
}

func (p *StatusPoller) PollOnce(ctx context.Context) error {
	st, err := p.src.WidgetStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("widget status poll failed")
		}
		return err
	}
	p.mu.Lock()
	cp := *st
	p.last = &cp
	p.updated = time.Now()
	cb := p.OnUpdate
	p.mu.Unlock()
	if cb != nil {
		cb(cp)
	}
	return nil
}

// Status returns the last snapshot and whether one exists.
func (p *StatusPoller) Status() (chatapi.WidgetStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return chatapi.WidgetStatus{}, false
	}
	return *p.last, true
}

func (p *StatusPoller) UpdatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updated
}
