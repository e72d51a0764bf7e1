package es

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequence(t *testing.T) {
	s1, s2 := Sequence(1), Sequence(2)
	require.True(t, s1 < s2)
	require.Equal(t, s2, s1.Next())

	data, err := json.Marshal(s1)
	require.NoError(t, err)
	require.Equal(t, `1`, string(data))

	var x Sequence
	require.NoError(t, json.Unmarshal([]byte("1234"), &x))
	require.Equal(t, Sequence(1234), x)

	require.Equal(t, slog.Uint64("seq", 2), s2.SlogAttr())
	require.Equal(t, "current_seq", s2.SlogAttrWithKey("current_seq").Key)
}
