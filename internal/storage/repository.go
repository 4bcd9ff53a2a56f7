package storage

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/olgkv/taskpoll/internal/domain"
)

// JSONRepository keeps all watch records in a single JSON document and
// replaces it atomically on every save.
type JSONRepository struct {
	path string
}

func NewJSONRepository(path string) *JSONRepository {
	return &JSONRepository{path: path}
}

func (r *JSONRepository) Load() ([]*domain.WatchRecord, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []*domain.WatchRecord
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

func (r *JSONRepository) Save(records []*domain.WatchRecord) error {
	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// MemoryRepository is used when no watches file is configured.
type MemoryRepository struct {
	mu      sync.Mutex
	records []*domain.WatchRecord
	saves   int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Load() ([]*domain.WatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.WatchRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = cloneRecord(rec)
	}
	return out, nil
}

func (r *MemoryRepository) Save(records []*domain.WatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make([]*domain.WatchRecord, len(records))
	for i, rec := range records {
		r.records[i] = cloneRecord(rec)
	}
	r.saves++
	return nil
}

// Saves reports how many times Save was called.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
