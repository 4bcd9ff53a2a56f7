package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/olgkv/taskpoll/internal/domain"
)

const (
	DefaultInterval       = 2 * time.Second
	DefaultMaxRetries     = 3
	DefaultBackoffFactor  = 2.0
	DefaultRequestTimeout = 30 * time.Second
	DefaultHistoryLimit   = 50
)

// NoRetries as Options.MaxRetries ends polling at the first failed request.
const NoRetries = -1

// RetryLimit converts a user-facing retry count, where 0 means no retries,
// into an Options.MaxRetries value.
func RetryLimit(n int) int {
	if n <= 0 {
		return NoRetries
	}
	return n
}

// Fetcher retrieves the current status of a task.
type Fetcher interface {
	FetchStatus(ctx context.Context, handle domain.TaskHandle) (domain.Snapshot, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, handle domain.TaskHandle) (domain.Snapshot, error)

func (f FetcherFunc) FetchStatus(ctx context.Context, handle domain.TaskHandle) (domain.Snapshot, error) {
	return f(ctx, handle)
}

// Options configures a Scheduler. Zero fields fall back to the defaults above;
// a negative MaxRetries disables retries.
type Options struct {
	Interval       time.Duration
	MaxRetries     int
	BackoffFactor  float64
	RequestTimeout time.Duration
	HistoryLimit   int
	Clock          Clock
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
