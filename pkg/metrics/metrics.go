// Package metrics contains the Prometheus metrics recorded during a rollout.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Deletion reasons.
const (
	ReasonNewer  = "newer"
	ReasonBackup = "backup"
)

// Rollout outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder holds the rollout metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	rollouts        *prometheus.CounterVec
	deleted         *prometheus.CounterVec
	cutovers        prometheus.Counter
	rolloutDuration *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		rollouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flipover_rollouts_total",
				Help: "Total number of rollouts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		deleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flipover_deployments_deleted_total",
				Help: "Total number of deployments deleted during cleanup by reason",
			},
			[]string{"reason"},
		),
		cutovers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flipover_service_cutovers_total",
				Help: "Total number of services switched to a new revision",
			},
		),
		rolloutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flipover_rollout_duration_seconds",
				Help:    "Duration of rollouts in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"strategy"},
		),
	}
	r.registry.MustRegister(r.rollouts, r.deleted, r.cutovers, r.rolloutDuration)
	return r
}

// Registry returns the registry holding the metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RolloutFinished records the outcome and duration of a rollout.
func (r *Recorder) RolloutFinished(strategy string, err error, d time.Duration) {
	if r == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.rollouts.WithLabelValues(strategy, outcome).Inc()
	r.rolloutDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// DeploymentDeleted records one deployment deleted for reason.
func (r *Recorder) DeploymentDeleted(reason string) {
	if r == nil {
		return
	}
	r.deleted.WithLabelValues(reason).Inc()
}

// ServiceCutover records one service switched over.
func (r *Recorder) ServiceCutover() {
	if r == nil {
		return
	}
	r.cutovers.Inc()
}

// Push sends the recorded metrics to a Prometheus Pushgateway.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
