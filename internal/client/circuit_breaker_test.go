package client

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := newCircuitBreaker(2, time.Minute)
	host := "backend.local:8000"

	if !cb.allow(host) {
		t.Fatalf("expected allow before failures")
	}

	cb.failure(host)
	if !cb.allow(host) {
		t.Fatalf("expected allow before reaching threshold")
	}

	cb.failure(host)
	if cb.allow(host) {
		t.Fatalf("expected breaker to block after threshold")
	}

	cb.success(host)
	if !cb.allow(host) {
		t.Fatalf("expected allow after success reset")
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	cb := newCircuitBreaker(1, 10*time.Second)
	cb.now = func() time.Time { return now }
	host := "cooldown.test"

	cb.failure(host)
	if cb.allow(host) {
		t.Fatalf("expected breaker open immediately after failure")
	}

	now = now.Add(11 * time.Second)
	if !cb.allow(host) {
		t.Fatalf("expected a probe after cooldown")
	}
	if cb.allow(host) {
		t.Fatalf("expected only one probe per cooldown window")
	}

	cb.failure(host)
	now = now.Add(5 * time.Second)
	if cb.allow(host) {
		t.Fatalf("expected breaker to stay open after failed probe")
	}
}

func TestCircuitBreaker_EmptyHostAlwaysAllowed(t *testing.T) {
	cb := newCircuitBreaker(1, time.Minute)
	cb.failure("")
	if !cb.allow("") {
		t.Fatalf("empty host must not be tracked")
	}
}
