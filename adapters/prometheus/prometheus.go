// Package prometheus implements the repository and cqrs metrics interfaces
// with Prometheus collectors.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codewandler/eventrepo/core/metrics"
)

const namespace = "eventrepo"

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return metrics.HistogramTimer(h)
}

// AllMetrics bundles the repository and framework metrics registered on one
// registry.
type AllMetrics struct {
	Repo *RepoMetrics
	CQRS *CQRSMetrics
}

func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Repo: NewRepoMetrics(reg),
		CQRS: NewCQRSMetrics(reg),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
