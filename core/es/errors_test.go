package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventrepo/ports/backend"
)

func TestKindOf(t *testing.T) {
	syntaxErr := &json.SyntaxError{Offset: 1}

	for _, tc := range []struct {
		name string
		err  error
		want Kind
	}{
		{"key exists", backend.ErrKeyExists, KindOptimisticLock},
		{"conflict", fmt.Errorf("commit: %w", backend.ErrConflict), KindOptimisticLock},
		{"canceled", context.Canceled, KindConnection},
		{"deadline", context.DeadlineExceeded, KindConnection},
		{"json syntax", syntaxErr, KindDeserialization},
		{"unknown store", backend.ErrUnknownStore, KindUnknown},
		{"invalid key", backend.ErrInvalidKey, KindUnknown},
		{"io", errors.New("broken pipe"), KindConnection},
		{"sentinel", fmt.Errorf("x: %w", ErrDeserialization), KindDeserialization},
		{"typed", newError("persist", KindOptimisticLock, errors.New("boom")), KindOptimisticLock},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestError(t *testing.T) {
	cause := errors.New("duplicate")
	err := newError("persist", KindOptimisticLock, cause)

	require.ErrorIs(t, err, ErrOptimisticLock)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrConnection)
	require.True(t, IsOptimisticLock(fmt.Errorf("wrapped: %w", err)))
	require.Equal(t, "es: persist: optimistic lock error: duplicate", err.Error())
	require.Equal(t, "es: get_events: unknown error", newError("get_events", KindUnknown, nil).Error())

	var e *Error
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &e)
	require.Equal(t, "persist", e.Op)
}

func TestWrapErr(t *testing.T) {
	require.NoError(t, wrapErr("op", nil))

	inner := newError("inner", KindDeserialization, errors.New("bad"))
	require.Same(t, inner, wrapErr("outer", inner))

	err := wrapErr("get_events", fmt.Errorf("scan: %w", backend.ErrReadOnly))
	require.Equal(t, KindUnknown, KindOf(err))
	require.ErrorIs(t, err, backend.ErrReadOnly)
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "optimistic_lock", KindOptimisticLock.String())
	require.Equal(t, "connection", KindConnection.String())
	require.Equal(t, "deserialization", KindDeserialization.String())
	require.Equal(t, "unknown", KindUnknown.String())
}
