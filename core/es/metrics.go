package es

import "github.com/codewandler/eventrepo/core/metrics"

// RepoMetrics instruments the event repository. Implementations must be safe
// for concurrent use.
type RepoMetrics interface {
	// Reads
	ReadDuration(op string) metrics.Timer
	StreamPageFetched(records int)

	// Writes
	PersistDuration(aggType string) metrics.Timer
	EventsPersisted(aggType string, count int)
	SnapshotSaved(aggType string)
	ConcurrencyConflict(aggType string)

	// Failures by operation and kind
	OperationFailed(op string, kind Kind)
}

type nopRepoMetrics struct{}

func (nopRepoMetrics) ReadDuration(string) metrics.Timer    { return metrics.NopTimer() }
func (nopRepoMetrics) StreamPageFetched(int)                {}
func (nopRepoMetrics) PersistDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopRepoMetrics) EventsPersisted(string, int)          {}
func (nopRepoMetrics) SnapshotSaved(string)                 {}
func (nopRepoMetrics) ConcurrencyConflict(string)           {}
func (nopRepoMetrics) OperationFailed(string, Kind)         {}

// NopRepoMetrics returns a no-op RepoMetrics implementation.
func NopRepoMetrics() RepoMetrics { return nopRepoMetrics{} }
