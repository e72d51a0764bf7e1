package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventrepo/ports/backend"
)

// NewTestRepository returns a repository over a fresh in-memory backend.
func NewTestRepository(t *testing.T, opts ...RepositoryOption) *Repository {
	t.Helper()
	mem, err := backend.NewMemory(Schema())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return NewRepository(mem, opts...)
}

// TestAppender persists domain events and tracks the current sequence per
// aggregate, failing the test on any error.
type TestAppender struct {
	t    *testing.T
	repo EventRepository
	seqs map[string]Sequence
}

func NewTestAppender(t *testing.T, repo EventRepository) *TestAppender {
	return &TestAppender{t: t, repo: repo, seqs: map[string]Sequence{}}
}

// Append serializes events after the tracked sequence and persists them.
func (a *TestAppender) Append(ctx context.Context, aggType, aggID string, events ...any) []SerializedEvent {
	a.t.Helper()
	key := aggType + "/" + aggID
	ses, err := Serialize(aggType, aggID, a.seqs[key], nil, events...)
	require.NoError(a.t, err)
	require.NoError(a.t, a.repo.Persist(ctx, ses, nil))
	a.seqs[key] += Sequence(len(ses))
	return ses
}
