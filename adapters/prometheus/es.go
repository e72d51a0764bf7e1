package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eventrepo/core/es"
	"github.com/codewandler/eventrepo/core/metrics"
)

// RepoMetrics implements es.RepoMetrics.
type RepoMetrics struct {
	readDuration *prometheus.HistogramVec
	streamPages  prometheus.Counter
	streamEvents prometheus.Counter

	persistDuration      *prometheus.HistogramVec
	eventsPersisted      *prometheus.CounterVec
	snapshotsSaved       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	failures *prometheus.CounterVec
}

func NewRepoMetrics(reg prometheus.Registerer) *RepoMetrics {
	m := &RepoMetrics{
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repo_read_duration_seconds",
			Help:      "Repository read latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"op"}),

		streamPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_stream_pages_total",
			Help:      "Total number of pages fetched by replay streams",
		}),

		streamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_stream_events_total",
			Help:      "Total number of events fetched by replay streams",
		}),

		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repo_persist_duration_seconds",
			Help:      "Repository persist latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_events_persisted_total",
			Help:      "Total number of events persisted",
		}, []string{"aggregate_type"}),

		snapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_snapshots_saved_total",
			Help:      "Total number of snapshots written",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_concurrency_conflicts_total",
			Help:      "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repo_failures_total",
			Help:      "Total number of failed repository operations",
		}, []string{"op", "kind"}),
	}

	reg.MustRegister(
		m.readDuration,
		m.streamPages,
		m.streamEvents,
		m.persistDuration,
		m.eventsPersisted,
		m.snapshotsSaved,
		m.concurrencyConflicts,
		m.failures,
	)
	return m
}

func (m *RepoMetrics) ReadDuration(op string) metrics.Timer {
	return newTimer(m.readDuration.WithLabelValues(op))
}

func (m *RepoMetrics) StreamPageFetched(records int) {
	m.streamPages.Inc()
	m.streamEvents.Add(float64(records))
}

func (m *RepoMetrics) PersistDuration(aggType string) metrics.Timer {
	return newTimer(m.persistDuration.WithLabelValues(aggType))
}

func (m *RepoMetrics) EventsPersisted(aggType string, count int) {
	m.eventsPersisted.WithLabelValues(aggType).Add(float64(count))
}

func (m *RepoMetrics) SnapshotSaved(aggType string) {
	m.snapshotsSaved.WithLabelValues(aggType).Inc()
}

func (m *RepoMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *RepoMetrics) OperationFailed(op string, kind es.Kind) {
	m.failures.WithLabelValues(op, kind.String()).Inc()
}

var _ es.RepoMetrics = (*RepoMetrics)(nil)
