// Package metrics exports retry-loop and transfer activity as Prometheus
// metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/gcs-go/internal/retry"
)

// Operation outcomes recorded by OnDone.
const (
	OutcomeOK        = "ok"
	OutcomeExhausted = "exhausted"
	OutcomeThrottled = "throttled"
	OutcomeCanceled  = "canceled"
	OutcomeError     = "error"
)

const shutdownTimeout = 5 * time.Second

// Collector implements retry.Observer and counts transfer bytes. Register
// one per registry.
type Collector struct {
	attempts   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	throttled  *prometheus.CounterVec
	operations *prometheus.CounterVec
	backoff    prometheus.Histogram
	bytes      *prometheus.CounterVec
}

var _ retry.Observer = (*Collector)(nil)

// NewCollector creates the collectors under namespace and registers them
// with reg.
func NewCollector(namespace string, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Request attempts by operation",
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled after a failed attempt, by operation",
		}, []string{"op"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_total",
			Help:      "Retries vetoed by the retry throttler, by operation",
		}, []string{"op"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Finished operations by operation and outcome",
		}, []string{"op", "outcome"}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Delay before each retry",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes moved by file transfers, by direction",
		}, []string{"direction"}),
	}

	for _, col := range []prometheus.Collector{c.attempts, c.retries, c.throttled, c.operations, c.backoff, c.bytes} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// OnAttempt counts an attempt.
func (c *Collector) OnAttempt(op string, _ retry.State) {
	c.attempts.WithLabelValues(op).Inc()
}

// OnRetry counts a retry and records its delay.
func (c *Collector) OnRetry(op string, _ retry.State, delay time.Duration, _ error) {
	c.retries.WithLabelValues(op).Inc()
	c.backoff.Observe(delay.Seconds())
}

// OnThrottled counts a throttler veto.
func (c *Collector) OnThrottled(op string, _ retry.State, _ error) {
	c.throttled.WithLabelValues(op).Inc()
}

// OnDone records the outcome of one operation.
func (c *Collector) OnDone(op string, _ retry.State, err error) {
	c.operations.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveBytes counts transferred payload bytes.
func (c *Collector) ObserveBytes(direction string, n int) {
	c.bytes.WithLabelValues(direction).Add(float64(n))
}

// Outcome classifies the final error of a retry loop.
func Outcome(err error) string {
	var exhausted *retry.ExhaustedError

	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, retry.ErrThrottled):
		return OutcomeThrottled
	case errors.As(err, &exhausted):
		return OutcomeExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// Handler returns the /metrics handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
