// Package metrics counts delivery attempts and outcomes with Prometheus and
// optionally pushes them to a Pushgateway when the process exits.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeExhausted = "exhausted"
)

// Recorder holds the counters for one process. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	Attempts        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	Deliveries      *prometheus.CounterVec
}

// NewRecorder registers the collectors on a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "send_email_attempts_total",
			Help: "Total number of delivery attempts by provider and result",
		}, []string{"provider", "result"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "send_email_attempt_duration_seconds",
			Help:    "Duration of single delivery attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "send_email_deliveries_total",
			Help: "Total number of send requests by final outcome",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(r.Attempts, r.AttemptDuration, r.Deliveries)
	return r
}

// ObserveAttempt records one attempt against provider.
func (r *Recorder) ObserveAttempt(provider string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.Attempts.WithLabelValues(provider, result).Inc()
	r.AttemptDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveOutcome records the final result of a send request.
func (r *Recorder) ObserveOutcome(delivered bool) {
	if r == nil {
		return
	}
	outcome := OutcomeExhausted
	if delivered {
		outcome = OutcomeDelivered
	}
	r.Deliveries.WithLabelValues(outcome).Inc()
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Push sends the current values to the Pushgateway at url under job,
// replacing earlier pushes for the same grouping key.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
