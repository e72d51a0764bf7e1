package telemetry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/codewandler/eventrepo/core/es"
)

func TestInit_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Init(t.Context(), Config{ServiceName: "eventrepo-test", Stdout: true, Writer: &buf})
	require.NoError(t, err)

	// the repository picks up the global provider
	repo := es.NewTestRepository(t)
	_, err = repo.GetEvents(t.Context(), "a1")
	require.NoError(t, err)

	require.NoError(t, shutdown(t.Context()))
	require.Contains(t, buf.String(), `"Name":"es.get_events"`)
	require.Contains(t, buf.String(), "eventrepo-test")
}
