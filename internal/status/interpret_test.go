package status

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olgkv/taskpoll/internal/domain"
)

func TestInterpret(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		status     domain.TaskStatus
		progress   float64
		message    string
		finished   bool
		successful bool
	}{
		{"status shape pending", `{"status":"PENDING","progress_percentage":10}`, domain.StatusPending, 10, domain.DefaultMessage, false, false},
		{"status shape success", `{"status":"SUCCESS","progress_percentage":100,"message":"done"}`, domain.StatusSuccess, 100, "done", true, true},
		{"status shape failure", `{"status":"FAILURE","message":"Validation error"}`, domain.StatusFailure, 0, "Validation error", true, false},
		{"lower case success", `{"status":"success"}`, domain.StatusSuccess, 0, domain.DefaultMessage, true, true},
		{"estado shape", `{"estado":"PROGRESS","progreso":55.5,"descripcion":"consolidando"}`, domain.StatusPending, 55.5, "consolidando", false, false},
		{"estado failure", `{"estado":"FAILURE","descripcion":"libro incompleto"}`, domain.StatusFailure, 0, "libro incompleto", true, false},
		{"unknown status stays pending", `{"status":"REVOKED"}`, domain.StatusPending, 0, domain.DefaultMessage, false, false},
		{"flags only success", `{"is_finished":true,"is_successful":true}`, domain.StatusSuccess, 0, domain.DefaultMessage, true, true},
		{"flags only failure", `{"is_finished":true,"is_successful":false}`, domain.StatusFailure, 0, domain.DefaultMessage, true, false},
		{"flags not finished", `{"is_finished":false,"progress_percentage":5}`, domain.StatusPending, 5, domain.DefaultMessage, false, false},
		{"status wins over flags", `{"status":"PENDING","is_finished":true,"is_successful":true}`, domain.StatusPending, 0, domain.DefaultMessage, false, false},
		{"progress clamped high", `{"status":"PENDING","progress_percentage":180}`, domain.StatusPending, 100, domain.DefaultMessage, false, false},
		{"progress clamped low", `{"status":"PENDING","progress_percentage":-3}`, domain.StatusPending, 0, domain.DefaultMessage, false, false},
		{"only message", `{"message":"queued"}`, domain.StatusPending, 0, "queued", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			snap, err := Interpret([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.status, snap.Status)
			assert.Equal(t, tc.progress, snap.Progress)
			assert.Equal(t, tc.message, snap.Message)
			assert.Equal(t, tc.finished, snap.IsFinished)
			assert.Equal(t, tc.successful, snap.IsSuccessful)
		})
	}
}

func TestInterpret_Malformed(t *testing.T) {
	bodies := []string{
		``,
		`   `,
		`not json`,
		`[1,2,3]`,
		`"SUCCESS"`,
		`{}`,
		`{"unrelated":1}`,
		`{"status":`,
		`{"status": 12}`,
	}
	for _, body := range bodies {
		_, err := Interpret([]byte(body))
		if !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("Interpret(%q) error = %v, want ErrMalformedResponse", body, err)
		}
	}
}

func TestStamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap, err := Stamp([]byte(`{"status":"PENDING"}`), at)
	require.NoError(t, err)
	assert.Equal(t, at, snap.ReceivedAt)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, domain.StatusSuccess, Classify(" Success "))
	assert.Equal(t, domain.StatusFailure, Classify("FAILURE"))
	assert.Equal(t, domain.StatusPending, Classify("STARTED"))
	assert.Equal(t, domain.StatusPending, Classify(""))
}
