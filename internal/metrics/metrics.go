// Package metrics provides Prometheus metrics for fault review, curation and training.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the server exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	FaultsDetected         prometheus.Counter
	ResolveCalls           *prometheus.CounterVec // by decision
	ResolvedRecords        *prometheus.CounterVec // by decision
	MaterializeFailures    prometheus.Counter
	HashErrors             prometheus.Counter
	TrainingRuns           *prometheus.CounterVec // by outcome: success, failure, cancelled
	TrainingActive         prometheus.Gauge
	NotificationsDelivered *prometheus.CounterVec // by notifier, status

	registry *prometheus.Registry
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register railwatch metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FaultsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railwatch_faults_detected_total",
		Help: "Total number of fault records created by the detection feed",
	})
	m.ResolveCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railwatch_resolve_calls_total",
		Help: "Total number of confirm actions by decision",
	}, []string{"decision"})
	m.ResolvedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railwatch_resolved_records_total",
		Help: "Total number of fault records moved into the dataset by decision",
	}, []string{"decision"})
	m.MaterializeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railwatch_materialize_failures_total",
		Help: "Total number of records that could not be copied into the dataset",
	})
	m.HashErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railwatch_hash_errors_total",
		Help: "Total number of images that could not be fingerprinted",
	})
	m.TrainingRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railwatch_training_runs_total",
		Help: "Total number of retraining runs by outcome",
	}, []string{"outcome"})
	m.TrainingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "railwatch_training_active",
		Help: "1 while a retraining run is in flight",
	})
	m.NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railwatch_notifications_total",
		Help: "Total number of fault notifications by notifier and status",
	}, []string{"notifier", "status"})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FaultsDetected.Describe(ch)
	m.ResolveCalls.Describe(ch)
	m.ResolvedRecords.Describe(ch)
	m.MaterializeFailures.Describe(ch)
	m.HashErrors.Describe(ch)
	m.TrainingRuns.Describe(ch)
	m.TrainingActive.Describe(ch)
	m.NotificationsDelivered.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FaultsDetected.Collect(ch)
	m.ResolveCalls.Collect(ch)
	m.ResolvedRecords.Collect(ch)
	m.MaterializeFailures.Collect(ch)
	m.HashErrors.Collect(ch)
	m.TrainingRuns.Collect(ch)
	m.TrainingActive.Collect(ch)
	m.NotificationsDelivered.Collect(ch)
}

func (m *Metrics) RecordFaultDetected() {
	if m == nil {
		return
	}
	m.FaultsDetected.Inc()
}

// RecordResolve counts one confirm action and the records it disposed of.
func (m *Metrics) RecordResolve(decision string, records int) {
	if m == nil {
		return
	}
	m.ResolveCalls.WithLabelValues(decision).Inc()
	m.ResolvedRecords.WithLabelValues(decision).Add(float64(records))
}

func (m *Metrics) RecordMaterializeFailure() {
	if m == nil {
		return
	}
	m.MaterializeFailures.Inc()
}

func (m *Metrics) RecordHashError() {
	if m == nil {
		return
	}
	m.HashErrors.Inc()
}

// SetTrainingActive flips the in-flight gauge.
func (m *Metrics) SetTrainingActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.TrainingActive.Set(1)
	} else {
		m.TrainingActive.Set(0)
	}
}

func (m *Metrics) RecordTrainingRun(outcome string) {
	if m == nil {
		return
	}
	m.TrainingRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordNotification(notifier, status string) {
	if m == nil {
		return
	}
	m.NotificationsDelivered.WithLabelValues(notifier, status).Inc()
}
