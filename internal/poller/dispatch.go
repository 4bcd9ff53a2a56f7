package poller

import (
	"go.uber.org/zap"

	"github.com/olgkv/taskpoll/internal/domain"
)

// Callbacks receives the outcome of a scheduler. Every field is optional.
//
// OnProgress fires for every applied poll, OnSuccess and OnError at most once
// per scheduler and never both. OnRetry fires each time a failed poll is
// rescheduled; attempt starts at 1.
type Callbacks struct {
	OnProgress func(domain.Snapshot)
	OnSuccess  func(domain.Snapshot)
	OnError    func(error)
	OnRetry    func(attempt int, err error)
}

type eventKind int

const (
	kindProgress eventKind = iota
	kindRetry
	kindSuccess
	kindError
	kindDone
)

type event struct {
	kind     eventKind
	gen      uint64
	snapshot domain.Snapshot
	attempt  int
	err      error
}

// dispatcher delivers queued events in the order they were enqueued.
// Events carry the generation they were produced under and are dropped once
// the scheduler has been stopped by the caller.
type dispatcher struct {
	cb       Callbacks
	logger   *zap.Logger
	terminal bool
}

func (d *dispatcher) invoke(ev event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("poll callback panicked", zap.Any("panic", r), zap.Int("kind", int(ev.kind)))
		}
	}()

	switch ev.kind {
	case kindProgress:
		if d.cb.OnProgress != nil {
			d.cb.OnProgress(ev.snapshot)
		}
	case kindRetry:
		if d.cb.OnRetry != nil {
			d.cb.OnRetry(ev.attempt, ev.err)
		}
	case kindSuccess:
		if d.terminal {
			return
		}
		d.terminal = true
		if d.cb.OnSuccess != nil {
			d.cb.OnSuccess(ev.snapshot)
		}
	case kindError:
		if d.terminal {
			return
		}
		d.terminal = true
		if d.cb.OnError != nil {
			d.cb.OnError(ev.err)
		}
	}
}
