package livechat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrQuotaExceeded matches every *QuotaExceededError via errors.Is.
	ErrQuotaExceeded = errors.New("plan quota exceeded")
	ErrSessionActive = errors.New("a chat session is already active")
	ErrNoSession     = errors.New("no active chat session")
)

// SessionError is a failed REST operation (create, load, send). The caller is
// expected to notify the user; the operation may be retried.
type SessionError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("chat session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chat session %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() error   { return e.Err }
func (e *SessionError) Retryable() bool { return true }

// ProtocolError is an unrecognized or malformed frame. It is logged and the frame
// dropped; it never changes state.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("chat protocol: %v", e.Err)
	}
	return fmt.Sprintf("chat protocol: frame %q: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// QuotaExceededError refuses an operation before any network call. It is not
// retryable; the UI should offer an upgrade instead.
type QuotaExceededError struct {
	Feature    string
	Plan       string
	Limit      int
	Used       int
	UpgradeURL string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded on plan %q (%d/%d)", e.Feature, e.Plan, e.Used, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }
func (e *QuotaExceededError) Retryable() bool      { return false }

// IsRetryable reports whether err is worth retrying by hand.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
