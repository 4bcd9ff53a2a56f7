package storage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/olgkv/taskpoll/internal/domain"
)

// ErrNotFound is returned for unknown watch ids.
var ErrNotFound = errors.New("watch not found")

// WatchRepository persists the whole set of watch records at once.
type WatchRepository interface {
	Load() ([]*domain.WatchRecord, error)
	Save(records []*domain.WatchRecord) error
}

// Store keeps watch records in memory and writes through to a repository.
type Store struct {
	mu      sync.RWMutex
	repo    WatchRepository
	records map[string]*domain.WatchRecord
}

func NewStore(repo WatchRepository) *Store {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Store{
		repo:    repo,
		records: make(map[string]*domain.WatchRecord),
	}
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.repo.Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, rec := range list {
		if rec == nil || rec.ID == "" {
			continue
		}
		s.records[rec.ID] = rec
	}
	return nil
}

func (s *Store) persistLocked() error {
	list := make([]*domain.WatchRecord, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return s.repo.Save(list)
}

func (s *Store) Create(rec *domain.WatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("watch %s already exists", rec.ID)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return s.persistLocked()
}

func (s *Store) Update(rec *domain.WatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("watch %s: %w", rec.ID, ErrNotFound)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return s.persistLocked()
}

func (s *Store) Get(id string) (*domain.WatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("watch %s: %w", id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// List returns copies of all records, oldest first.
func (s *Store) List() []*domain.WatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*domain.WatchRecord, 0, len(s.records))
	for _, rec := range s.records {
		res = append(res, cloneRecord(rec))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

// Stats returns the number of watches and how many of them are finished.
func (s *Store) Stats() (total int, finished int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		total++
		if rec.Finished() {
			finished++
		}
	}
	return total, finished
}

func cloneRecord(rec *domain.WatchRecord) *domain.WatchRecord {
	c := *rec
	c.Transitions = domain.CopyTransitions(rec.Transitions)
	return &c
}
