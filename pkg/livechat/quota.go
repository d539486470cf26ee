package livechat

import (
	"context"
	"sync"
)

// QuotaGate is consulted before a session starts. Allow must not touch the network;
// Consume is called once the session was actually created.
type QuotaGate interface {
	Allow(ctx context.Context) error
	Consume()
}

type AllowAll struct{}

func (AllowAll) Allow(context.Context) error { return nil }
func (AllowAll) Consume()                    {}

// PlanLimits are the plan-derived limits relevant to chat. MaxChatSessions of 0
// means unlimited; a negative value means the plan has no chat at all.
type PlanLimits struct {
	Plan            string
	MaxChatSessions int
	UpgradeURL      string
}

// LocalQuota checks PlanLimits against a local usage counter.
type LocalQuota struct {
	limits PlanLimits

	mu   sync.Mutex
	used int
}

func NewLocalQuota(limits PlanLimits, used int) *LocalQuota {
	return &LocalQuota{limits: limits, used: used}
}

func (q *LocalQuota) Allow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	limit := q.limits.MaxChatSessions
	if limit == 0 {
		return nil
	}
	if limit < 0 || q.used >= limit {
		if limit < 0 {
			limit = 0
		}
		return &QuotaExceededError{
			Feature:    "chat_sessions",
			Plan:       q.limits.Plan,
			Limit:      limit,
			Used:       q.used,
			UpgradeURL: q.limits.UpgradeURL,
		}
	}
	return nil
}

func (q *LocalQuota) Consume() {
	q.mu.Lock()
	q.used++
	q.mu.Unlock()
}

func (q *LocalQuota) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}
