// Package ports holds the interfaces the watch service and status client depend on.
package ports

import (
	"net/http"

	"github.com/olgkv/taskpoll/internal/domain"
)

// HTTPClient is the part of *http.Client the status client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WatchStore describes persistence operations required by the watch service.
type WatchStore interface {
	Load() error
	Create(rec *domain.WatchRecord) error
	Update(rec *domain.WatchRecord) error
	Get(id string) (*domain.WatchRecord, error)
	List() []*domain.WatchRecord
}

// TransitionJournal is an append-only log of watch state changes.
type TransitionJournal interface {
	Append(entry *domain.JournalEntry) error
}
