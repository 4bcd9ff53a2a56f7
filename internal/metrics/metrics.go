// Package metrics exposes Prometheus instrumentation for status polling.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olgkv/taskpoll/internal/domain"
	"github.com/olgkv/taskpoll/internal/poller"
)

const namespace = "taskpoll"

type Collector struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pollDuration prometheus.Histogram
	retries      prometheus.Counter
	outcomes     *prometheus.CounterVec
	activeWatch  prometheus.Gauge
}

// New registers the collectors on a dedicated registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Status requests issued, by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "status_poll_duration_seconds",
			Help:      "Latency of status requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_retries_total",
			Help:      "Failed polls that were rescheduled with backoff.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_outcomes_total",
			Help:      "Finished watches, by outcome.",
		}, []string{"outcome"}),
		activeWatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_watches",
			Help:      "Watches currently polling.",
		}),
	}
	c.registry.MustRegister(c.polls, c.pollDuration, c.retries, c.outcomes, c.activeWatch)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Instrument wraps a fetcher so every request is counted and timed.
func (c *Collector) Instrument(next poller.Fetcher) poller.Fetcher {
	return poller.FetcherFunc(func(ctx context.Context, h domain.TaskHandle) (domain.Snapshot, error) {
		start := time.Now()
		snap, err := next.FetchStatus(ctx, h)
		c.pollDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			c.polls.WithLabelValues("ok").Inc()
		case errors.Is(err, context.Canceled):
			c.polls.WithLabelValues("cancelled").Inc()
		default:
			c.polls.WithLabelValues("error").Inc()
		}
		return snap, err
	})
}

func (c *Collector) Retry() { c.retries.Inc() }

func (c *Collector) WatchStarted() { c.activeWatch.Inc() }

// WatchFinished records the end of a watch; outcome is success, failure or stopped.
func (c *Collector) WatchFinished(outcome string) {
	c.activeWatch.Dec()
	c.outcomes.WithLabelValues(outcome).Inc()
}
