// Package client fetches task status from the accounting/payroll backend over HTTP.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/olgkv/taskpoll/internal/domain"
	"github.com/olgkv/taskpoll/internal/ports"
	"github.com/olgkv/taskpoll/internal/status"
)

// DefaultStatusPath is the task-status route relative to the backend base URL.
const DefaultStatusPath = "/api/closures/{resource_id}/tasks/{task_id}/status/"

const maxBodyBytes = 1 << 20

// StatusError is returned for non-2xx answers of the status endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status endpoint returned %d", e.Code)
	}
	return fmt.Sprintf("status endpoint returned %d: %s", e.Code, e.Body)
}

// StatusClient implements poller.Fetcher against the backend REST API.
type StatusClient struct {
	base       *url.URL
	statusPath string
	http       ports.HTTPClient
	session    domain.Session
	limiter    *rate.Limiter
	breaker    *circuitBreaker
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*StatusClient)

func WithHTTPClient(c ports.HTTPClient) Option {
	return func(sc *StatusClient) { sc.http = c }
}

// WithSession attaches the caller's credentials to every request.
func WithSession(s domain.Session) Option {
	return func(sc *StatusClient) { sc.session = s }
}

func WithStatusPath(path string) Option {
	return func(sc *StatusClient) {
		if path != "" {
			sc.statusPath = path
		}
	}
}

// WithRateLimit caps outgoing status requests across all watches.
func WithRateLimit(rps float64, burst int) Option {
	return func(sc *StatusClient) {
		if rps > 0 && burst > 0 {
			sc.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

func WithCircuitBreaker(threshold uint32, cooldown time.Duration) Option {
	return func(sc *StatusClient) { sc.breaker = newCircuitBreaker(threshold, cooldown) }
}

func WithLogger(l *zap.Logger) Option {
	return func(sc *StatusClient) {
		if l != nil {
			sc.logger = l
		}
	}
}

func New(baseURL string, opts ...Option) (*StatusClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}

	sc := &StatusClient{
		base:       u,
		statusPath: DefaultStatusPath,
		http:       &http.Client{Timeout: 30 * time.Second},
		breaker:    newCircuitBreaker(0, 0),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc, nil
}

// StatusURL renders the status endpoint for a handle.
func (c *StatusClient) StatusURL(h domain.TaskHandle) string {
	path := strings.NewReplacer(
		"{resource_id}", url.PathEscape(h.ResourceID),
		"{task_id}", url.PathEscape(h.TaskID),
	).Replace(c.statusPath)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base.String() + path
}

// FetchStatus performs one status request. Transport errors, non-2xx answers
// and unreadable bodies are all returned as errors; the poller retries them.
func (c *StatusClient) FetchStatus(ctx context.Context, h domain.TaskHandle) (domain.Snapshot, error) {
	host := c.base.Host
	if !c.breaker.allow(host) {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", ErrCircuitOpen, host)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Snapshot{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	snap, err := c.fetch(ctx, h)
	if err != nil {
		// a cancelled poll says nothing about backend health
		if !errors.Is(err, context.Canceled) {
			c.breaker.failure(host)
		}
		return domain.Snapshot{}, err
	}
	c.breaker.success(host)
	return snap, nil
}

func (c *StatusClient) fetch(ctx context.Context, h domain.TaskHandle) (domain.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StatusURL(h), nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read status body: %w", err)
	}

	c.logger.Debug("status response",
		zap.String("handle", h.String()),
		zap.Int("code", resp.StatusCode),
		zap.Duration("latency", c.now().Sub(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Snapshot{}, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return status.Stamp(body, c.now())
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
