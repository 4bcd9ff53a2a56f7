// Package poller watches a single backend task by polling its status endpoint.
//
// Ticks are chained: the next request is scheduled only after the previous
// result has been applied, so the regular polling loop never has two requests
// in flight. PollNow can add an out-of-band request; responses are tagged with
// a sequence number and anything older than the last applied response is
// dropped.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/olgkv/taskpoll/internal/domain"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopped        = errors.New("scheduler stopped")
)

// Scheduler polls one task handle until it finishes, fails or is stopped.
type Scheduler struct {
	fetcher Fetcher
	handle  domain.TaskHandle
	opts    Options
	logger  *zap.Logger

	mu         sync.Mutex
	state      domain.State
	snapshot   domain.Snapshot
	retry      retryPolicy
	timer      Timer
	gen        uint64
	seq        uint64
	applied    uint64
	ctx        context.Context
	cancel     context.CancelFunc
	stopParent func() bool
	history    []domain.Transition
	queue      []event
	done       chan struct{}
	doneOnce   sync.Once
	dispatchMu sync.Mutex
	dispatch   dispatcher
}

// New prepares a scheduler; nothing is requested until Start.
func New(fetcher Fetcher, handle domain.TaskHandle, opts Options, cb Callbacks) *Scheduler {
	opts = opts.withDefaults()
	logger := opts.Logger.With(zap.String("resource_id", handle.ResourceID), zap.String("task_id", handle.TaskID))
	return &Scheduler{
		fetcher:  fetcher,
		handle:   handle,
		opts:     opts,
		logger:   logger,
		state:    domain.StateIdle,
		snapshot: domain.PendingSnapshot(),
		retry:    newRetryPolicy(opts),
		done:     make(chan struct{}),
		dispatch: dispatcher{cb: cb, logger: logger},
	}
}

// Start issues the first request immediately and keeps polling every Interval.
// Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateIdle:
	case domain.StateStopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stopParent = context.AfterFunc(ctx, s.Stop)
	s.transitionLocked(domain.StatePolling, "")
	s.scheduleLocked(0)
	s.logger.Debug("polling started", zap.Duration("interval", s.opts.Interval))
	return nil
}

// Stop cancels the pending tick and any in-flight request. It is safe to call
// repeatedly, before Start, and from inside a callback. Queued callbacks are
// dropped once Stop has bumped the generation; a callback already being
// delivered on another goroutine may still run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.gen++
	s.queue = nil
	if s.state != domain.StateStopped {
		s.finishLocked("stopped")
	}
	s.mu.Unlock()

	s.closeDone()
}

// PollNow requests the status right away without disturbing the regular
// schedule. It reports false when the scheduler isn't polling.
func (s *Scheduler) PollNow() bool {
	s.mu.Lock()
	if s.state != domain.StatePolling {
		s.mu.Unlock()
		return false
	}
	s.seq++
	seq, gen, ctx := s.seq, s.gen, s.ctx
	s.mu.Unlock()

	go func() {
		snap, err := s.fetch(ctx)
		s.complete(gen, seq, snap, err, false)
	}()
	return true
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != domain.StatePolling {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.seq++
	seq, ctx := s.seq, s.ctx
	s.mu.Unlock()

	snap, err := s.fetch(ctx)
	s.complete(gen, seq, snap, err, true)
}

func (s *Scheduler) fetch(ctx context.Context) (snap domain.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status fetch panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	snap, err = s.fetcher.FetchStatus(ctx, s.handle)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.normalize(snap), nil
}

// normalize keeps the finished flags consistent with Status whatever the fetcher returned.
func (s *Scheduler) normalize(snap domain.Snapshot) domain.Snapshot {
	switch snap.Status {
	case domain.StatusSuccess:
		snap.IsFinished, snap.IsSuccessful = true, true
	case domain.StatusFailure:
		snap.IsFinished, snap.IsSuccessful = true, false
	default:
		snap.Status = domain.StatusPending
		snap.IsFinished, snap.IsSuccessful = false, false
	}
	if snap.Message == "" {
		snap.Message = domain.DefaultMessage
	}
	if snap.ReceivedAt.IsZero() {
		snap.ReceivedAt = s.opts.Clock.Now()
	}
	return snap
}

// complete applies the result of request seq. chained marks requests issued
// by the regular tick loop, which own the retry policy and the next tick.
func (s *Scheduler) complete(gen, seq uint64, snap domain.Snapshot, err error, chained bool) {
	s.mu.Lock()
	if s.gen != gen || s.state != domain.StatePolling {
		s.mu.Unlock()
		return
	}

	stale := seq < s.applied
	switch {
	case err != nil && !chained:
		s.logger.Warn("out-of-band status refresh failed", zap.Error(err))
	case stale:
		s.logger.Debug("discarding stale status response", zap.Uint64("seq", seq), zap.Uint64("applied", s.applied))
		if chained {
			s.scheduleLocked(s.opts.Interval)
		}
	case err != nil:
		s.failedLocked(err)
	default:
		s.appliedLocked(seq, snap, chained)
	}
	s.mu.Unlock()

	s.drain()
}

func (s *Scheduler) failedLocked(err error) {
	delay, ok := s.retry.failure()
	if ok {
		s.logger.Warn("status poll failed, retrying",
			zap.Error(err),
			zap.Int("attempt", s.retry.attempts),
			zap.Duration("delay", delay),
		)
		s.enqueueLocked(event{kind: kindRetry, attempt: s.retry.attempts, err: err})
		s.scheduleLocked(delay)
		return
	}

	failure := exhaustedFailure(s.opts.MaxRetries, err, s.opts.Clock.Now())
	s.logger.Error("status polling gave up", zap.Error(failure.Err))
	s.snapshot = failure.Snapshot
	s.transitionLocked(domain.StateFailed, failure.Snapshot.Message)
	s.enqueueLocked(event{kind: kindError, snapshot: failure.Snapshot, err: failure})
	s.finishLocked("")
	s.enqueueLocked(event{kind: kindDone})
}

func (s *Scheduler) appliedLocked(seq uint64, snap domain.Snapshot, chained bool) {
	s.applied = seq
	s.retry.reset()
	s.snapshot = snap
	s.enqueueLocked(event{kind: kindProgress, snapshot: snap})

	if !snap.IsFinished {
		if chained {
			s.scheduleLocked(s.opts.Interval)
		}
		return
	}

	if snap.IsSuccessful {
		s.transitionLocked(domain.StateSucceeded, snap.Message)
		s.enqueueLocked(event{kind: kindSuccess, snapshot: snap})
	} else {
		s.transitionLocked(domain.StateFailed, snap.Message)
		s.enqueueLocked(event{kind: kindError, snapshot: snap, err: &Failure{Snapshot: snap, Err: ErrTaskFailed}})
	}
	s.finishLocked("")
	s.enqueueLocked(event{kind: kindDone})
}

func (s *Scheduler) scheduleLocked(delay time.Duration) {
	gen := s.gen
	s.timer = s.opts.Clock.AfterFunc(delay, func() { s.tick(gen) })
}

func (s *Scheduler) enqueueLocked(ev event) {
	ev.gen = s.gen
	s.queue = append(s.queue, ev)
}

// finishLocked moves the scheduler to Stopped and releases its timer and request context.
func (s *Scheduler) finishLocked(msg string) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.stopParent != nil {
		s.stopParent()
	}
	s.transitionLocked(domain.StateStopped, msg)
}

func (s *Scheduler) transitionLocked(to domain.State, msg string) {
	s.history = append(s.history, domain.Transition{
		From:    s.state,
		To:      to,
		At:      s.opts.Clock.Now(),
		Message: msg,
	})
	if over := len(s.history) - s.opts.HistoryLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.state = to
}

// drain delivers queued events one at a time without holding the state lock,
// so callbacks may call back into the scheduler.
func (s *Scheduler) drain() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		admitted := ev.gen == s.gen
		s.mu.Unlock()

		if ev.kind == kindDone {
			s.closeDone()
			continue
		}
		if admitted {
			s.dispatch.invoke(ev)
		}
	}
}

func (s *Scheduler) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the scheduler is stopped and terminal callbacks have run.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Scheduler) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.IsFinished
}

func (s *Scheduler) IsSuccessful() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.IsSuccessful
}

// Retries returns the current number of consecutive failed polls.
func (s *Scheduler) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.attempts
}

// Transitions returns the bounded state history, oldest first.
func (s *Scheduler) Transitions() []domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CopyTransitions(s.history)
}
