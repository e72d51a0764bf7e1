package prometheus

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventrepo/core/es"
)

type noteAdded struct {
	Text string `json:"text"`
}

func (noteAdded) EventType() string { return "note_added" }

func TestRepoMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRepoMetrics(reg)
	repo := es.NewTestRepository(t, es.WithMetrics(m))
	ctx := t.Context()

	events, err := es.Serialize("note", "n1", 0, nil, noteAdded{Text: "a"}, noteAdded{Text: "b"})
	require.NoError(t, err)
	require.NoError(t, repo.Persist(ctx, events, nil))

	// same sequences again
	err = repo.Persist(ctx, events, nil)
	require.ErrorIs(t, err, es.ErrOptimisticLock)

	_, err = repo.GetEvents(ctx, "n1")
	require.NoError(t, err)
	_, err = repo.StreamAllEvents(ctx).Collect()
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsPersisted.WithLabelValues("note")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.concurrencyConflicts.WithLabelValues("note")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("persist", es.KindOptimisticLock.String())))
	// the trailing empty page ends the stream
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamPages))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamEvents))
	assert.Equal(t, 1, testutil.CollectAndCount(m.readDuration))
}

func TestCQRSMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCQRSMetrics(reg)

	m.CommandDuration("note").ObserveDuration()
	m.CommandFailed("note", "user_error")
	m.Retry("note")
	m.Retry("note")
	m.CacheHit("note")
	m.CacheMiss("note")
	m.SnapshotWritten("note")
	m.QueryFailed("note")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("note")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandFailures.WithLabelValues("note", "user_error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commandDuration))
}

func TestAllMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	all := NewAllMetrics(reg)
	all.Repo.EventsPersisted("note", 3)
	all.CQRS.Retry("note")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.True(t, strings.Contains(body, `eventrepo_repo_events_persisted_total{aggregate_type="note"} 3`), body)
	assert.True(t, strings.Contains(body, `eventrepo_cqrs_retries_total{aggregate_type="note"} 1`), body)

	// registering twice on the same registry panics
	require.Panics(t, func() { NewRepoMetrics(reg) })
}
