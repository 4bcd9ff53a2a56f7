package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/olgkv/taskpoll/internal/domain"
	"github.com/olgkv/taskpoll/internal/metrics"
	pdfgen "github.com/olgkv/taskpoll/internal/pdf"
	"github.com/olgkv/taskpoll/internal/poller"
	"github.com/olgkv/taskpoll/internal/ports"
	"github.com/olgkv/taskpoll/internal/storage"
)

var (
	ErrInvalidHandle  = errors.New("invalid task handle")
	ErrWatchNotFound  = errors.New("watch not found")
	ErrWatchFinished  = errors.New("watch already finished")
	ErrTooManyWatches = errors.New("too many active watches")
	ErrShuttingDown   = errors.New("service is shutting down")
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeStopped = "stopped"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// validateID accepts the identifiers the backend hands out: numeric closure
// ids, UUIDs and Celery task ids.
func validateID(id string) bool {
	return idPattern.MatchString(id)
}

type watch struct {
	id        string
	handle    domain.TaskHandle
	sched     *poller.Scheduler
	events    *broker
	createdAt time.Time

	// syncMu orders writes of this watch's record; once finalized, the
	// final record is never replaced.
	syncMu    sync.Mutex
	finalized bool
	journaled int
}

// Service runs one poll scheduler per watched task and keeps their records.
type Service struct {
	fetcher poller.Fetcher
	store   ports.WatchStore
	journal ports.TransitionJournal
	metrics *metrics.Collector
	opts    poller.Options
	logger  *zap.Logger
	newID   func() string
	now     func() time.Time

	sem     chan struct{}
	mu      sync.Mutex
	watches map[string]*watch
	closing bool
	wg      sync.WaitGroup
}

type Option func(*Service)

func WithJournal(j ports.TransitionJournal) Option {
	return func(s *Service) { s.journal = j }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// New builds the service. maxWatches bounds the number of watches polling at
// the same time.
func New(store ports.WatchStore, fetcher poller.Fetcher, pollOpts poller.Options, maxWatches int, opts ...Option) *Service {
	if maxWatches <= 0 {
		maxWatches = 100
	}
	s := &Service{
		store:   store,
		opts:    pollOpts,
		logger:  zap.NewNop(),
		newID:   uuid.NewString,
		now:     time.Now,
		sem:     make(chan struct{}, maxWatches),
		watches: make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics != nil {
		fetcher = s.metrics.Instrument(fetcher)
	}
	s.fetcher = fetcher
	if s.opts.Logger == nil {
		s.opts.Logger = s.logger
	}
	return s
}

// Start begins watching handle and returns the new watch record.
func (s *Service) Start(handle domain.TaskHandle) (*domain.WatchRecord, error) {
	if !validateID(handle.ResourceID) || !validateID(handle.TaskID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, handle.String())
	}

	now := s.now()
	rec := &domain.WatchRecord{
		ID:        s.newID(),
		Handle:    handle,
		State:     domain.StateIdle,
		Snapshot:  domain.PendingSnapshot(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.run(rec, true); err != nil {
		return nil, err
	}
	return s.Get(rec.ID)
}

// Resume restarts polling for persisted watches that never finished, e.g.
// after a restart. It returns how many watches were resumed.
func (s *Service) Resume() (int, error) {
	resumed := 0
	for _, rec := range s.store.List() {
		if rec.Finished() {
			continue
		}
		s.mu.Lock()
		_, active := s.watches[rec.ID]
		s.mu.Unlock()
		if active {
			continue
		}
		if err := s.run(rec, false); err != nil {
			return resumed, fmt.Errorf("resume watch %s: %w", rec.ID, err)
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.Info("resumed unfinished watches", zap.Int("count", resumed))
	}
	return resumed, nil
}

// run starts the scheduler of rec; create stores rec first.
func (s *Service) run(rec *domain.WatchRecord, create bool) error {
	select {
	case s.sem <- struct{}{}:
	default:
		return ErrTooManyWatches
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.sem
		return ErrShuttingDown
	}
	if create {
		if err := s.store.Create(rec); err != nil {
			s.mu.Unlock()
			<-s.sem
			return fmt.Errorf("create watch: %w", err)
		}
	}

	w := &watch{
		id:        rec.ID,
		handle:    rec.Handle,
		events:    newBroker(),
		createdAt: rec.CreatedAt,
	}
	w.sched = poller.New(s.fetcher, rec.Handle, s.opts, s.callbacks(w))
	s.watches[w.id] = w
	s.wg.Add(1)
	s.mu.Unlock()

	if err := w.sched.Start(context.Background()); err != nil {
		s.mu.Lock()
		delete(s.watches, w.id)
		s.mu.Unlock()
		s.wg.Done()
		<-s.sem
		return err
	}
	if s.metrics != nil {
		s.metrics.WatchStarted()
	}
	s.sync(w)
	s.logger.Info("watch started", zap.String("watch_id", w.id), zap.String("handle", w.handle.String()))

	go s.finalize(w)
	return nil
}

func (s *Service) callbacks(w *watch) poller.Callbacks {
	return poller.Callbacks{
		OnProgress: func(snap domain.Snapshot) {
			s.publish(w, domain.EventProgress, snap, 0, nil)
			s.sync(w)
		},
		OnRetry: func(attempt int, err error) {
			if s.metrics != nil {
				s.metrics.Retry()
			}
			s.publish(w, domain.EventRetry, w.sched.Snapshot(), attempt, err)
			s.sync(w)
		},
		OnSuccess: func(snap domain.Snapshot) {
			s.publish(w, domain.EventSuccess, snap, 0, nil)
		},
		OnError: func(err error) {
			snap := w.sched.Snapshot()
			var failure *poller.Failure
			if errors.As(err, &failure) {
				snap = failure.Snapshot
			}
			s.publish(w, domain.EventError, snap, 0, err)
		},
	}
}

func (s *Service) publish(w *watch, typ domain.EventType, snap domain.Snapshot, attempt int, err error) {
	ev := domain.Event{
		WatchID:  w.id,
		Type:     typ,
		Snapshot: snap,
		Attempt:  attempt,
		At:       s.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	w.events.publish(ev)
}

// finalize waits for the scheduler to stop and settles the watch.
func (s *Service) finalize(w *watch) {
	defer s.wg.Done()
	<-w.sched.Done()

	snap := w.sched.Snapshot()
	outcome := OutcomeStopped
	switch {
	case snap.IsFinished && snap.IsSuccessful:
		outcome = OutcomeSuccess
	case snap.IsFinished:
		outcome = OutcomeFailure
	}

	w.syncMu.Lock()
	s.persistLocked(w)
	w.finalized = true
	w.syncMu.Unlock()

	s.mu.Lock()
	delete(s.watches, w.id)
	s.mu.Unlock()
	<-s.sem

	s.publish(w, domain.EventStopped, snap, 0, nil)
	w.events.close()

	if s.metrics != nil {
		s.metrics.WatchFinished(outcome)
	}
	s.logger.Info("watch finished",
		zap.String("watch_id", w.id),
		zap.String("outcome", outcome),
		zap.String("message", snap.Message),
	)
}

// sync copies the scheduler state into the store and journals new transitions.
func (s *Service) sync(w *watch) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	if w.finalized {
		return
	}
	s.persistLocked(w)
}

// persistLocked must be called with w.syncMu held.
func (s *Service) persistLocked(w *watch) {
	state, snap := w.sched.State(), w.sched.Snapshot()

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	// watches interrupted by shutdown keep their last polling record so Resume picks them up
	if closing && state == domain.StateStopped && !snap.IsFinished {
		return
	}

	transitions := w.sched.Transitions()
	rec := &domain.WatchRecord{
		ID:          w.id,
		Handle:      w.handle,
		State:       state,
		Snapshot:    snap,
		Retries:     w.sched.Retries(),
		Transitions: transitions,
		CreatedAt:   w.createdAt,
		UpdatedAt:   s.now(),
	}
	if err := s.store.Update(rec); err != nil {
		s.logger.Warn("persist watch failed", zap.String("watch_id", w.id), zap.Error(err))
	}
	if s.journal == nil {
		return
	}

	start := w.journaled
	if start > len(transitions) {
		start = len(transitions)
	}
	w.journaled = len(transitions)
	for _, tr := range transitions[start:] {
		entry := &domain.JournalEntry{WatchID: w.id, Handle: w.handle, Transition: tr, Snapshot: rec.Snapshot}
		if err := s.journal.Append(entry); err != nil {
			s.logger.Warn("journal append failed", zap.String("watch_id", w.id), zap.Error(err))
		}
	}
}

// Get returns the current record of a watch, live if it is still polling.
func (s *Service) Get(id string) (*domain.WatchRecord, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWatchNotFound, id)
		}
		return nil, err
	}

	s.mu.Lock()
	w, active := s.watches[id]
	s.mu.Unlock()
	if active {
		rec.State = w.sched.State()
		rec.Snapshot = w.sched.Snapshot()
		rec.Retries = w.sched.Retries()
		rec.Transitions = w.sched.Transitions()
	}
	return rec, nil
}

func (s *Service) List() []*domain.WatchRecord {
	recs := s.store.List()
	for i, rec := range recs {
		if live, err := s.Get(rec.ID); err == nil {
			recs[i] = live
		}
	}
	return recs
}

// Stop cancels polling of a watch. Stopping a finished watch is a no-op.
func (s *Service) Stop(id string) error {
	s.mu.Lock()
	w, active := s.watches[id]
	s.mu.Unlock()
	if active {
		w.sched.Stop()
		return nil
	}
	if _, err := s.Get(id); err != nil {
		return err
	}
	return nil
}

// Refresh asks for the status of a watch right away.
func (s *Service) Refresh(id string) error {
	s.mu.Lock()
	w, active := s.watches[id]
	s.mu.Unlock()
	if !active {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return ErrWatchFinished
	}
	if !w.sched.PollNow() {
		return ErrWatchFinished
	}
	return nil
}

// Subscribe streams the events of a watch. The channel is closed when the
// watch finishes or cancel is called. A finished watch yields its last event.
func (s *Service) Subscribe(id string) (<-chan domain.Event, func(), error) {
	s.mu.Lock()
	w, active := s.watches[id]
	s.mu.Unlock()
	if active {
		ch, cancel := w.events.subscribe()
		return ch, cancel, nil
	}

	rec, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan domain.Event, 1)
	ch <- domain.Event{WatchID: rec.ID, Type: domain.EventStopped, Snapshot: rec.Snapshot, At: rec.UpdatedAt}
	close(ch)
	return ch, func() {}, nil
}

// GenerateReport renders the given watches as a PDF. Unknown ids are skipped.
func (s *Service) GenerateReport(ctx context.Context, ids []string) ([]byte, error) {
	recs := make([]*domain.WatchRecord, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.Get(id)
		if err != nil {
			if errors.Is(err, ErrWatchNotFound) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return pdfgen.BuildWatchReport(recs, s.now())
}

// Stats returns the number of known watches and how many of them are finished.
func (s *Service) Stats() (total int, finished int) {
	for _, rec := range s.List() {
		total++
		if rec.Finished() {
			finished++
		}
	}
	return total, finished
}

// Shutdown stops every active watch; their records stay resumable.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.closing = true
	active := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		active = append(active, w)
	}
	s.mu.Unlock()

	for _, w := range active {
		w.sched.Stop()
	}
}

// Wait blocks until every watch goroutine has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
