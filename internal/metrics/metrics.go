// Package metrics exposes Prometheus collectors for sync runs and token refreshes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jira_mirror"

// Refresh outcomes
const (
	RefreshSucceeded    = "success"
	RefreshFailed       = "failure"
	RefreshDeactivated  = "deactivated"
	RefreshNoCapability = "no_refresh_token"
)

// Metrics holds the collectors registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	recordsSynced  *prometheus.CounterVec
	recordsSkipped *prometheus.CounterVec
	entityResults  *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	runDuration    prometheus.Histogram
	runsRejected   prometheus.Counter
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		recordsSynced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_synced_total",
			Help:      "The total number of entity records upserted",
		}, []string{"entity"}),
		recordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "The total number of fetched records dropped for a missing natural key",
		}, []string{"entity"}),
		entityResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_sync_results_total",
			Help:      "The total number of entity type syncs by outcome",
		}, []string{"entity", "status"}),
		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "The total number of token refresh attempts by outcome",
		}, []string{"result"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "The duration of complete account sync runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		runsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_rejected_total",
			Help:      "The total number of sync runs rejected because one was already running",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveEntity records the outcome of one entity type sync
func (m *Metrics) ObserveEntity(entity, status string, synced, skipped int) {
	if m == nil {
		return
	}
	m.entityResults.WithLabelValues(entity, status).Inc()
	m.recordsSynced.WithLabelValues(entity).Add(float64(synced))
	m.recordsSkipped.WithLabelValues(entity).Add(float64(skipped))
}

// ObserveRefresh records a token refresh attempt
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveRun records the duration of a complete run
func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

// ObserveRejectedRun records a run refused by the per-account lease
func (m *Metrics) ObserveRejectedRun() {
	if m == nil {
		return
	}
	m.runsRejected.Inc()
}
