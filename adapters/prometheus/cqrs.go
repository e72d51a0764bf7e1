package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eventrepo/core/cqrs"
	"github.com/codewandler/eventrepo/core/metrics"
)

// CQRSMetrics implements cqrs.Metrics.
type CQRSMetrics struct {
	commandDuration *prometheus.HistogramVec
	commandFailures *prometheus.CounterVec
	retries         *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	snapshots       *prometheus.CounterVec
	queryFailures   *prometheus.CounterVec
}

func NewCQRSMetrics(reg prometheus.Registerer) *CQRSMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cqrs",
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &CQRSMetrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cqrs",
			Name:      "command_duration_seconds",
			Help:      "Command execution latency in seconds, retries included",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),
		commandFailures: counter("command_failures_total", "Total number of failed commands", "aggregate_type", "reason"),
		retries:         counter("retries_total", "Total number of command retries after a conflict", "aggregate_type"),
		cacheHits:       counter("cache_hits_total", "Total number of aggregate cache hits", "aggregate_type"),
		cacheMisses:     counter("cache_misses_total", "Total number of aggregate cache misses", "aggregate_type"),
		snapshots:       counter("snapshots_written_total", "Total number of snapshots taken", "aggregate_type"),
		queryFailures:   counter("query_failures_total", "Total number of failed query dispatches", "aggregate_type"),
	}

	reg.MustRegister(
		m.commandDuration,
		m.commandFailures,
		m.retries,
		m.cacheHits,
		m.cacheMisses,
		m.snapshots,
		m.queryFailures,
	)
	return m
}

func (m *CQRSMetrics) CommandDuration(aggType string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(aggType))
}

func (m *CQRSMetrics) CommandFailed(aggType string, reason string) {
	m.commandFailures.WithLabelValues(aggType, reason).Inc()
}

func (m *CQRSMetrics) Retry(aggType string)           { m.retries.WithLabelValues(aggType).Inc() }
func (m *CQRSMetrics) CacheHit(aggType string)        { m.cacheHits.WithLabelValues(aggType).Inc() }
func (m *CQRSMetrics) CacheMiss(aggType string)       { m.cacheMisses.WithLabelValues(aggType).Inc() }
func (m *CQRSMetrics) SnapshotWritten(aggType string) { m.snapshots.WithLabelValues(aggType).Inc() }
func (m *CQRSMetrics) QueryFailed(aggType string)     { m.queryFailures.WithLabelValues(aggType).Inc() }

var _ cqrs.Metrics = (*CQRSMetrics)(nil)
