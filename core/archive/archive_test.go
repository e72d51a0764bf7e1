package archive

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventrepo/core/es"
)

type (
	taskOpened struct {
		Title string `json:"title"`
	}
	taskClosed struct{}
)

func (taskOpened) EventType() string { return "task_opened" }
func (taskClosed) EventType() string { return "task_closed" }

type memDest struct{ data []byte }

func (m *memDest) Write(_ context.Context, data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memDest) Read(context.Context) ([]byte, error) { return m.data, nil }

func seed(t *testing.T) *es.Repository {
	t.Helper()
	ctx := t.Context()
	repo := es.NewTestRepository(t)
	app := es.NewTestAppender(t, repo)
	app.Append(ctx, "task", "t1", taskOpened{Title: "write <docs>"}, taskClosed{})
	app.Append(ctx, "task", "t2", taskOpened{Title: "review"})
	app.Append(ctx, "board", "t1", taskOpened{Title: "same id, other type"})
	return repo
}

func TestArchive_RoundTrip(t *testing.T) {
	ctx := t.Context()
	src := seed(t)

	var buf bytes.Buffer
	stats, err := Export(ctx, &buf, src.StreamAllEvents(ctx))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Events)
	assert.Equal(t, 3, stats.Aggregates)
	assert.Len(t, stats.Checksum, 64)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], `"type":"header"`)
	assert.Contains(t, lines[5], stats.Checksum)
	assert.Contains(t, buf.String(), "write <docs>")

	dst := es.NewTestRepository(t)
	imported, err := Import(ctx, dst, bytes.NewReader(buf.Bytes()), ImportOptions{BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, stats, imported)

	want, err := src.StreamAllEvents(ctx).Collect()
	require.NoError(t, err)
	got, err := dst.StreamAllEvents(ctx).Collect()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// importing twice collides on the first sequence
	_, err = Import(ctx, dst, bytes.NewReader(buf.Bytes()), ImportOptions{})
	require.ErrorIs(t, err, es.ErrOptimisticLock)
}

func TestArchive_Empty(t *testing.T) {
	ctx := t.Context()
	repo := es.NewTestRepository(t)

	var buf bytes.Buffer
	stats, err := Export(ctx, &buf, repo.StreamAllEvents(ctx))
	require.NoError(t, err)
	assert.Zero(t, stats.Events)

	verified, err := Verify(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, stats.Checksum, verified.Checksum)
}

func TestArchive_Tampered(t *testing.T) {
	ctx := t.Context()
	src := seed(t)

	var buf bytes.Buffer
	_, err := Export(ctx, &buf, src.StreamAllEvents(ctx))
	require.NoError(t, err)
	data := buf.String()

	t.Run("edited payload", func(t *testing.T) {
		edited := strings.Replace(data, "review", "reviev", 1)
		dst := es.NewTestRepository(t)
		_, err := Import(ctx, dst, strings.NewReader(edited), ImportOptions{})
		require.ErrorIs(t, err, ErrChecksum)

		// nothing was persisted
		events, err := dst.StreamAllEvents(ctx).Collect()
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("missing trailer", func(t *testing.T) {
		lines := strings.SplitAfter(data, "\n")
		truncated := strings.Join(lines[:len(lines)-2], "")
		_, err := Verify(strings.NewReader(truncated))
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("dropped event", func(t *testing.T) {
		lines := strings.SplitAfter(data, "\n")
		dropped := lines[0] + strings.Join(lines[2:], "")
		_, err := Verify(strings.NewReader(dropped))
		require.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("unknown record", func(t *testing.T) {
		_, err := Verify(strings.NewReader(`{"type":"header","version":"1"}` + "\n" + `{"type":"bogus"}` + "\n"))
		require.ErrorIs(t, err, ErrFormat)
	})

	t.Run("no header", func(t *testing.T) {
		_, err := Verify(strings.NewReader(`{"type":"trailer","count":0,"checksum":""}` + "\n"))
		require.ErrorIs(t, err, ErrFormat)
	})
}

func TestArchive_DestinationAndSource(t *testing.T) {
	ctx := t.Context()
	src := seed(t)

	store := &memDest{}
	stats, err := ExportTo(ctx, store, src.StreamEvents(ctx, "t1"))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Events)
	assert.Equal(t, 2, stats.Aggregates)

	dst := es.NewTestRepository(t)
	_, err = ImportFrom(ctx, dst, store, ImportOptions{})
	require.NoError(t, err)

	events, err := dst.GetEvents(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, events, 3)
	events, err = dst.GetEvents(ctx, "t2")
	require.NoError(t, err)
	assert.Empty(t, events)
}
