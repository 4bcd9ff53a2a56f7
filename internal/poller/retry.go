package poller

import (
	"errors"
	"fmt"
	"time"

	"github.com/olgkv/taskpoll/internal/domain"
)

var (
	// ErrRetriesExhausted wraps the last transport error once the retry budget is spent.
	ErrRetriesExhausted = errors.New("status polling retries exhausted")
	// ErrTaskFailed is reported when the backend itself declares the task failed.
	ErrTaskFailed = errors.New("task reported failure")
)

// Failure is what OnError receives: the terminal snapshot and the reason.
type Failure struct {
	Snapshot domain.Snapshot
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Snapshot.Message
	}
	return fmt.Sprintf("%s: %v", f.Snapshot.Message, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// retryPolicy counts consecutive failed polls. The counter stays within
// [0, max]; the failure that would push it past max exhausts the policy.
type retryPolicy struct {
	max      int
	factor   float64
	interval time.Duration
	attempts int
}

func newRetryPolicy(opts Options) retryPolicy {
	return retryPolicy{max: opts.MaxRetries, factor: opts.BackoffFactor, interval: opts.Interval}
}

// failure registers a failed poll and returns the delay before the retry,
// or ok=false once no retries remain.
func (p *retryPolicy) failure() (delay time.Duration, ok bool) {
	if p.attempts >= p.max {
		return 0, false
	}
	p.attempts++
	return p.backoff(), true
}

func (p *retryPolicy) backoff() time.Duration {
	return time.Duration(float64(p.interval) * p.factor)
}

func (p *retryPolicy) reset() { p.attempts = 0 }

func exhaustedFailure(max int, cause error, at time.Time) *Failure {
	msg := fmt.Sprintf("status check failed after %d retries", max)
	return &Failure{
		Snapshot: domain.FailureSnapshot(msg, at),
		Err:      fmt.Errorf("%w: %w", ErrRetriesExhausted, cause),
	}
}
