// Package status turns raw task-status response bodies into domain snapshots.
//
// The backend answers in two shapes depending on the endpoint:
//
//	{"estado": "...", "progreso": 40, "descripcion": "..."}
//	{"status": "...", "is_finished": false, "is_successful": false, "progress_percentage": 40, "message": "..."}
//
// Both are normalized here so nothing past this package knows about either of them.
package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olgkv/taskpoll/internal/domain"
)

// ErrMalformedResponse is returned for bodies that can't be read as a task status.
var ErrMalformedResponse = errors.New("malformed task status response")

const (
	rawSuccess = "SUCCESS"
	rawFailure = "FAILURE"
)

type rawStatus struct {
	Status       *string  `json:"status"`
	IsFinished   *bool    `json:"is_finished"`
	IsSuccessful *bool    `json:"is_successful"`
	Progress     *float64 `json:"progress_percentage"`
	Message      *string  `json:"message"`

	Estado      *string  `json:"estado"`
	Progreso    *float64 `json:"progreso"`
	Descripcion *string  `json:"descripcion"`
}

func (r *rawStatus) empty() bool {
	return r.Status == nil && r.IsFinished == nil && r.IsSuccessful == nil && r.Progress == nil &&
		r.Message == nil && r.Estado == nil && r.Progreso == nil && r.Descripcion == nil
}

// Interpret parses body and classifies it. ReceivedAt is left zero; callers stamp it.
func Interpret(body []byte) (domain.Snapshot, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.Snapshot{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedResponse)
	}

	var raw rawStatus
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.empty() {
		return domain.Snapshot{}, fmt.Errorf("%w: no status fields", ErrMalformedResponse)
	}
	return normalize(&raw), nil
}

// Stamp is Interpret followed by setting ReceivedAt.
func Stamp(body []byte, at time.Time) (domain.Snapshot, error) {
	snap, err := Interpret(body)
	if err != nil {
		return snap, err
	}
	snap.ReceivedAt = at
	return snap, nil
}

func normalize(raw *rawStatus) domain.Snapshot {
	rawName := firstString(raw.Status, raw.Estado)
	if rawName == "" {
		rawName = fromFlags(raw.IsFinished, raw.IsSuccessful)
	}

	snap := domain.Snapshot{
		RawStatus: rawName,
		Progress:  clampProgress(firstFloat(raw.Progress, raw.Progreso)),
		Message:   firstString(raw.Message, raw.Descripcion),
	}
	if snap.Message == "" {
		snap.Message = domain.DefaultMessage
	}

	// unknown statuses stay pending: only an explicit SUCCESS/FAILURE ends polling
	switch Classify(rawName) {
	case domain.StatusSuccess:
		snap.Status = domain.StatusSuccess
		snap.IsFinished = true
		snap.IsSuccessful = true
	case domain.StatusFailure:
		snap.Status = domain.StatusFailure
		snap.IsFinished = true
	default:
		snap.Status = domain.StatusPending
	}
	return snap
}

// Classify maps a backend status string to a normalized status.
func Classify(raw string) domain.TaskStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case rawSuccess:
		return domain.StatusSuccess
	case rawFailure:
		return domain.StatusFailure
	default:
		return domain.StatusPending
	}
}

func fromFlags(finished, successful *bool) string {
	if finished == nil || !*finished {
		return ""
	}
	if successful != nil && *successful {
		return rawSuccess
	}
	return rawFailure
}

func firstString(values ...*string) string {
	for _, v := range values {
		if v != nil && strings.TrimSpace(*v) != "" {
			return strings.TrimSpace(*v)
		}
	}
	return ""
}

func firstFloat(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
