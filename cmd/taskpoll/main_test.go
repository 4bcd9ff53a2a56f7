package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olgkv/taskpoll/internal/domain"
)

// backend answers the status endpoint with the given bodies in order; the
// last one repeats.
func backend(t *testing.T, bodies ...string) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/closures/42/tasks/abc/status/" {
			http.NotFound(w, r)
			return
		}
		i := int(calls.Add(1)) - 1
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(bodies[i]))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWatch_Success(t *testing.T) {
	srv := backend(t,
		`{"status":"PENDING","progress_percentage":20,"message":"Cargando libro"}`,
		`{"status":"SUCCESS","progress_percentage":100,"message":"Consolidación lista"}`,
	)

	out, err := run(t, "watch", "--backend", srv.URL, "--resource", "42", "--task", "abc", "--interval", "5ms")
	require.NoError(t, err)
	assert.Contains(t, out, "[ 20%] Cargando libro")
	assert.Contains(t, out, "SUCCESS Consolidación lista")
}

func TestWatch_FailureExitsWithError(t *testing.T) {
	srv := backend(t, `{"estado":"FAILURE","progreso":60,"descripcion":"Cuenta contable inexistente"}`)

	out, err := run(t, "watch", "--backend", srv.URL, "--resource", "42", "--task", "abc", "--interval", "5ms")
	require.True(t, errors.Is(err, errTaskFailed), "err = %v", err)
	assert.Contains(t, out, "FAILURE Cuenta contable inexistente")
}

func TestWatch_RetriesThenGivesUp(t *testing.T) {
	srv := backend(t, `not json`)

	out, err := run(t, "watch", "--backend", srv.URL, "--resource", "42", "--task", "abc",
		"--interval", "1ms", "--max-retries", "2")
	require.ErrorIs(t, err, errTaskFailed)
	assert.Contains(t, out, "retry 1:")
	assert.Contains(t, out, "retry 2:")
	assert.Contains(t, out, "failed after 2 retries")
}

func TestWatch_ZeroRetriesFailsOnFirstError(t *testing.T) {
	srv := backend(t, `not json`)

	out, err := run(t, "watch", "--backend", srv.URL, "--resource", "42", "--task", "abc",
		"--interval", "1ms", "--max-retries", "0")
	require.ErrorIs(t, err, errTaskFailed)
	assert.NotContains(t, out, "retry 1:")
	assert.Contains(t, out, "failed after 0 retries")
}

func TestWatch_JSONOutput(t *testing.T) {
	srv := backend(t,
		`{"status":"PENDING","progress_percentage":50}`,
		`{"status":"SUCCESS","progress_percentage":100,"message":"ok"}`,
	)

	out, err := run(t, "watch", "--backend", srv.URL, "--resource", "42", "--task", "abc", "--interval", "5ms", "--json")
	require.NoError(t, err)

	var types []domain.EventType
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), "line %q", sc.Text())
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{domain.EventProgress, domain.EventSuccess}, types)
}

func TestStatus_OneShot(t *testing.T) {
	srv := backend(t, `{"status":"PENDING","progress_percentage":70,"message":"Validando"}`)

	out, err := run(t, "status", "--backend", srv.URL, "--resource", "42", "--task", "abc")
	require.NoError(t, err)
	assert.Equal(t, "[ 70%] Validando\n", out)
}

func TestStatus_BackendError(t *testing.T) {
	srv := backend(t, `{}`)

	_, err := run(t, "status", "--backend", srv.URL, "--resource", "42", "--task", "other")
	assert.Error(t, err)
}

func TestMissingFlags(t *testing.T) {
	_, err := run(t, "watch", "--backend", "http://localhost:1")
	assert.Error(t, err)
}
