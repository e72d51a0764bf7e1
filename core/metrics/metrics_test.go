package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHistogram struct{ values []float64 }

func (h *recordingHistogram) Observe(v float64) { h.values = append(h.values, v) }

func TestHistogramTimer(t *testing.T) {
	h := &recordingHistogram{}
	timer := HistogramTimer(h)
	time.Sleep(2 * time.Millisecond)
	timer.ObserveDuration()

	require.Len(t, h.values, 1)
	require.GreaterOrEqual(t, h.values[0], 0.002)
}

func TestStartTimer(t *testing.T) {
	var got time.Duration
	StartTimer(func(d time.Duration) { got = d }).ObserveDuration()
	require.GreaterOrEqual(t, got, time.Duration(0))
}

func TestNop(t *testing.T) {
	NopCounter().Add(1)
	NopGauge().Dec()
	NopHistogram().Observe(1)
	NopTimer().ObserveDuration()
}
