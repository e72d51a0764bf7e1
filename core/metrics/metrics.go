// Package metrics is the instrumentation port of the repository and the cqrs
// framework. adapters/prometheus implements it; the no-op values below are
// used when no collector is configured.
package metrics

import "time"

type (
	Counter interface {
		Inc()
		// Add increments by delta, which must not be negative.
		Add(delta float64)
	}

	Gauge interface {
		Set(value float64)
		Inc()
		Dec()
		Add(delta float64)
	}

	Histogram interface {
		Observe(value float64)
	}

	// Timer measures one operation:
	//
	//	defer m.PersistDuration("order").ObserveDuration()
	Timer interface {
		ObserveDuration()
	}
)

type funcTimer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t funcTimer) ObserveDuration() { t.observe(time.Since(t.start)) }

// StartTimer starts a Timer that passes the elapsed time to observe.
func StartTimer(observe func(time.Duration)) Timer {
	return funcTimer{start: time.Now(), observe: observe}
}

// HistogramTimer starts a Timer that records seconds into h.
func HistogramTimer(h Histogram) Timer {
	return StartTimer(func(d time.Duration) { h.Observe(d.Seconds()) })
}

type nop struct{}

func (nop) Inc()             {}
func (nop) Dec()             {}
func (nop) Add(float64)      {}
func (nop) Set(float64)      {}
func (nop) Observe(float64)  {}
func (nop) ObserveDuration() {}

func NopCounter() Counter     { return nop{} }
func NopGauge() Gauge         { return nop{} }
func NopHistogram() Histogram { return nop{} }
func NopTimer() Timer         { return nop{} }
