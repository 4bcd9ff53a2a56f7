package domain

import "time"

// State is the lifecycle state of a poll scheduler.
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Transition records a state change of a scheduler.
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// EventType distinguishes the entries of a watch event stream.
type EventType string

const (
	EventProgress EventType = "progress"
	EventRetry    EventType = "retry"
	EventSuccess  EventType = "success"
	EventError    EventType = "error"
	EventStopped  EventType = "stopped"
)

// Event is a single entry of the typed stream a watch publishes to subscribers.
type Event struct {
	WatchID  string    `json:"watch_id"`
	Type     EventType `json:"type"`
	Snapshot Snapshot  `json:"snapshot"`
	Attempt  int       `json:"attempt,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Session carries the caller identity used when talking to the backend.
// It is passed explicitly to the components that need it.
type Session struct {
	Token string
	User  string
}

// WatchRecord is the persisted view of a watch.
type WatchRecord struct {
	ID          string       `json:"id"`
	Handle      TaskHandle   `json:"handle"`
	State       State        `json:"state"`
	Snapshot    Snapshot     `json:"snapshot"`
	Retries     int          `json:"retries"`
	Transitions []Transition `json:"transitions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Finished reports whether the watch reached a terminal outcome or was stopped.
func (r *WatchRecord) Finished() bool {
	return r.State == StateStopped || r.State == StateSucceeded || r.State == StateFailed
}

// CopyTransitions returns a copy of the slice so callers can't mutate shared history.
func CopyTransitions(in []Transition) []Transition {
	if in == nil {
		return nil
	}
	out := make([]Transition, len(in))
	copy(out, in)
	return out
}

// JournalEntry is one line of the transition journal.
type JournalEntry struct {
	WatchID    string     `json:"watch_id"`
	Handle     TaskHandle `json:"handle"`
	Transition Transition `json:"transition"`
	Snapshot   Snapshot   `json:"snapshot"`
}
