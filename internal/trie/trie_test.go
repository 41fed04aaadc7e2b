package trie

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ztlevi/perfetto/internal/tracepacket"
)

func frames(names ...string) []tracepacket.Frame {
	fs := make([]tracepacket.Frame, len(names))
	for i, n := range names {
		fs[i] = tracepacket.Frame{FunctionName: n}
	}
	return fs
}

func TestInternSameSequenceSameID(t *testing.T) {
	tr := New()
	a := tr.Intern(frames("main", "foo"))
	b := tr.Intern(frames("main", "foo"))
	require.Equal(t, a.IID, b.IID)
	require.True(t, a.New)
	require.False(t, b.New)
}

func TestInternDifferentSequenceDifferentID(t *testing.T) {
	tr := New()
	a := tr.Intern(frames("main", "foo"))
	b := tr.Intern(frames("main", "bar"))
	require.NotEqual(t, a.IID, b.IID)
}

func TestInternZeroIDNeverAssigned(t *testing.T) {
	tr := New()
	r := tr.Intern(frames("main"))
	require.NotZero(t, r.IID)
}

func TestClearPreservesMonotonicID(t *testing.T) {
	tr := New()
	a := tr.Intern(frames("main", "foo"))
	tr.Clear()
	b := tr.Intern(frames("main", "foo"))
	require.Greater(t, b.IID, a.IID)
	require.True(t, b.New)
}
