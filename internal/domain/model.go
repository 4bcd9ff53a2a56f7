package domain

import (
	"strings"
	"time"
)

// TaskStatus is the normalized status of a backend task.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusSuccess TaskStatus = "success"
	StatusFailure TaskStatus = "failure"
)

// DefaultMessage is reported until the backend says something about the task.
const DefaultMessage = "Initializing..."

// TaskHandle identifies a backend task, e.g. a consolidation job of a closure.
type TaskHandle struct {
	ResourceID string `json:"resource_id" yaml:"resource_id"`
	TaskID     string `json:"task_id" yaml:"task_id"`
}

func (h TaskHandle) String() string {
	return h.ResourceID + "/" + h.TaskID
}

// Valid reports whether both identifiers are present.
func (h TaskHandle) Valid() bool {
	return strings.TrimSpace(h.ResourceID) != "" && strings.TrimSpace(h.TaskID) != ""
}

// Snapshot is the normalized, point-in-time view of a task-status response.
type Snapshot struct {
	Status       TaskStatus `json:"status"`
	RawStatus    string     `json:"raw_status,omitempty"`
	Progress     float64    `json:"progress_percentage"`
	Message      string     `json:"message"`
	IsFinished   bool       `json:"is_finished"`
	IsSuccessful bool       `json:"is_successful"`
	ReceivedAt   time.Time  `json:"received_at"`
}

// PendingSnapshot is the snapshot a watch reports before the first poll completes.
func PendingSnapshot() Snapshot {
	return Snapshot{Status: StatusPending, Message: DefaultMessage}
}

// FailureSnapshot builds a terminal failure snapshot with the given message.
func FailureSnapshot(msg string, at time.Time) Snapshot {
	return Snapshot{
		Status:     StatusFailure,
		RawStatus:  "FAILURE",
		Message:    msg,
		IsFinished: true,
		ReceivedAt: at,
	}
}
