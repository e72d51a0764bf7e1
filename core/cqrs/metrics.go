package cqrs

import "github.com/codewandler/eventrepo/core/metrics"

// Metrics instruments the framework. Implementations must be safe for
// concurrent use.
type Metrics interface {
	CommandDuration(aggType string) metrics.Timer
	CommandFailed(aggType string, reason string)
	Retry(aggType string)
	CacheHit(aggType string)
	CacheMiss(aggType string)
	SnapshotWritten(aggType string)
	QueryFailed(aggType string)
}

type nopMetrics struct{}

func (nopMetrics) CommandDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) CommandFailed(string, string)         {}
func (nopMetrics) Retry(string)                         {}
func (nopMetrics) CacheHit(string)                      {}
func (nopMetrics) CacheMiss(string)                     {}
func (nopMetrics) SnapshotWritten(string)               {}
func (nopMetrics) QueryFailed(string)                   {}

func NopMetrics() Metrics { return nopMetrics{} }
