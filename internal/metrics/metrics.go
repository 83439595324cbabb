// Package metrics exposes synchronizer metrics through Prometheus.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "tasksync"
)

// Metrics contains metrics exposed by the task synchronizer.
type Metrics struct {
	// Number of snapshots published.
	Reloads metrics.Counter
	// Number of reload results discarded as stale.
	StaleReloads metrics.Counter
	// Number of reload requests that joined an in-flight fetch.
	CoalescedReloads metrics.Counter
	// Number of callers waiting on a reload.
	ReloadWaiters metrics.Gauge
	// Number of mutations queued behind the one in progress.
	QueuedMutations metrics.Gauge
	// Number of tasks in the last published snapshot.
	Tasks metrics.Gauge
	// Mutations by operation ("create", "toggle") and outcome ("ok", kind).
	Mutations metrics.Counter
	// Time from submission to confirmation, in seconds.
	ConfirmationSeconds metrics.Histogram
	// Number of account changes observed.
	AccountChanges metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
// labelsAndValues are constant labels applied to every metric.
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Reloads: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reloads",
			Help:      "Number of snapshots published.",
		}, labels).With(labelsAndValues...),
		StaleReloads: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stale_reloads",
			Help:      "Number of reload results discarded as stale.",
		}, labels).With(labelsAndValues...),
		CoalescedReloads: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "coalesced_reloads",
			Help:      "Number of reload requests that joined an in-flight fetch.",
		}, labels).With(labelsAndValues...),
		ReloadWaiters: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reload_waiters",
			Help:      "Number of callers waiting on a reload.",
		}, labels).With(labelsAndValues...),
		QueuedMutations: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued_mutations",
			Help:      "Number of mutations queued behind the one in progress.",
		}, labels).With(labelsAndValues...),
		Tasks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tasks",
			Help:      "Number of tasks in the last published snapshot.",
		}, labels).With(labelsAndValues...),
		Mutations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "mutations",
			Help:      "Number of mutations by operation and outcome.",
		}, append(labels, "op", "outcome")).With(labelsAndValues...),
		ConfirmationSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirmation_seconds",
			Help:      "Time from submission to confirmation, in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.1, 2, 12),
		}, labels).With(labelsAndValues...),
		AccountChanges: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "account_changes",
			Help:      "Number of account changes observed.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Reloads:             discard.NewCounter(),
		StaleReloads:        discard.NewCounter(),
		CoalescedReloads:    discard.NewCounter(),
		ReloadWaiters:       discard.NewGauge(),
		QueuedMutations:     discard.NewGauge(),
		Tasks:               discard.NewGauge(),
		Mutations:           discard.NewCounter(),
		ConfirmationSeconds: discard.NewHistogram(),
		AccountChanges:      discard.NewCounter(),
	}
}
