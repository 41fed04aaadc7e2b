package interning

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ztlevi/perfetto/internal/tracepacket"
)

func TestNeedsInterningOnlyOnce(t *testing.T) {
	tr := New()
	fs := []tracepacket.Frame{{FunctionName: "main"}}
	require.True(t, tr.NeedsInterning(1, fs))
	require.False(t, tr.NeedsInterning(1, fs))
}

func TestClearForgetsEmittedIDs(t *testing.T) {
	tr := New()
	fs := []tracepacket.Frame{{FunctionName: "main"}}
	require.True(t, tr.NeedsInterning(1, fs))
	tr.Clear()
	require.True(t, tr.NeedsInterning(1, fs))
}

func TestFixedInterningPacketShape(t *testing.T) {
	p := FixedInterningPacket()
	require.Equal(t, tracepacket.SeqNeedsIncrementalState, p.SequenceFlags)
	require.NotNil(t, p.InternedData)
	require.Empty(t, p.InternedData.Callstacks)
}
