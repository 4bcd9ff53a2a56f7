package app

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/olgkv/taskpoll/internal/client"
	"github.com/olgkv/taskpoll/internal/config"
	"github.com/olgkv/taskpoll/internal/domain"
	"github.com/olgkv/taskpoll/internal/httpapi"
	"github.com/olgkv/taskpoll/internal/metrics"
	"github.com/olgkv/taskpoll/internal/service"
	"github.com/olgkv/taskpoll/internal/storage"
)

const limiterTTL = 10 * time.Minute

// NewServer wires application dependencies and returns configured HTTP server,
// service instance, and a stats function for graceful shutdown logging.
func NewServer(cfg *config.Config, logger *zap.Logger) (*http.Server, *service.Service, func() (int, int), error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	st := storage.NewStore(storage.NewJSONRepository(cfg.WatchesFile))
	if err := st.Load(); err != nil {
		return nil, nil, nil, fmt.Errorf("load storage: %w", err)
	}

	clientOpts := []client.Option{
		client.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		client.WithSession(domain.Session{Token: cfg.AuthToken}),
		client.WithRateLimit(cfg.BackendRPS, cfg.BackendBurst),
		client.WithLogger(logger.Named("client")),
	}
	if cfg.StatusPath != "" {
		clientOpts = append(clientOpts, client.WithStatusPath(cfg.StatusPath))
	}
	if cfg.BreakerThreshold > 0 {
		clientOpts = append(clientOpts, client.WithCircuitBreaker(uint32(cfg.BreakerThreshold), cfg.BreakerCooldown))
	}
	fetcher, err := client.New(cfg.BackendURL, clientOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("status client: %w", err)
	}

	m := metrics.New()
	svc := service.New(st, fetcher, cfg.PollOptions(), cfg.MaxWatches,
		service.WithJournal(storage.NewJournal(cfg.JournalFile)),
		service.WithMetrics(m),
		service.WithLogger(logger.Named("service")),
	)
	if _, err := svc.Resume(); err != nil {
		logger.Warn("resume watches", zap.Error(err))
	}

	var limiter *ipRateLimiter
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		limiter = newIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, limiterTTL)
	}

	mux := http.NewServeMux()
	h := httpapi.NewHandler(svc, logger.Named("http"))
	h.Register(mux, func(next http.Handler) http.Handler {
		return rateLimitMiddleware(limiter, loggingMiddleware(logger, next))
	})
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	statsFn := func() (int, int) {
		return st.Stats()
	}

	return srv, svc, statsFn, nil
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lw, r)
		if v := r.Context().Value(httpapi.WatchIDContextKey); v != nil {
			if id, ok := v.(string); ok {
				lw.watchID = id
			}
		}

		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("watch_id", lw.watchID),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.Int("status", lw.statusCode),
		)
	})
}

// ipRateLimiter keeps one token bucket per client address. Buckets idle for
// longer than ttl are dropped on the next lookup.
type ipRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(rps float64, burst int, ttl time.Duration) *ipRateLimiter {
	return &ipRateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		ttl:      ttl,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, key)
		}
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func rateLimitMiddleware(limiter *ipRateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	watchID    string
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}
