package client

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the backend while its host is
// considered down.
var ErrCircuitOpen = errors.New("backend circuit open")

// circuitBreaker stops status requests to a backend host after consecutive
// failures, shared by every watch polling that host.
type circuitBreaker struct {
	mu        sync.Mutex
	failures  map[string]uint32
	openedAt  map[string]time.Time
	threshold uint32
	cooldown  time.Duration
	now       func() time.Time
}

func newCircuitBreaker(threshold uint32, cooldown time.Duration) *circuitBreaker {
	if threshold == 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{
		failures:  make(map[string]uint32),
		openedAt:  make(map[string]time.Time),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether a request to host may go out. After the cooldown one
// probe is let through; its outcome closes or re-opens the breaker.
func (cb *circuitBreaker) allow(host string) bool {
	if host == "" {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures[host] < cb.threshold {
		return true
	}
	opened := cb.openedAt[host]
	if cb.now().Sub(opened) > cb.cooldown {
		cb.openedAt[host] = cb.now()
		return true
	}
	return false
}

func (cb *circuitBreaker) success(host string) {
	if host == "" {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.failures, host)
	delete(cb.openedAt, host)
}

func (cb *circuitBreaker) failure(host string) {
	if host == "" {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[host]++
	if cb.failures[host] >= cb.threshold {
		cb.openedAt[host] = cb.now()
	}
}
