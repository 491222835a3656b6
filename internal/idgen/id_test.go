package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Shape(t *testing.T) {
	id, err := New()
	require.NoError(t, err)
	require.Len(t, id, Length)
	require.True(t, Valid(id))
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := New()
		require.NoError(t, err)
		require.False(t, seen[id], "collision at iteration %d", i)
		seen[id] = true
	}
}

func TestValid_RejectsWrongLength(t *testing.T) {
	require.False(t, Valid("short"))
}

func TestValid_RejectsBadCharacters(t *testing.T) {
	require.False(t, Valid("!!!!!!!!!!!!!!!!!!!!!"))
}
