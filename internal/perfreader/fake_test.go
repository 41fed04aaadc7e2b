package perfreader

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ztlevi/perfetto/internal/unwindqueue"
)

func TestFakeReadUntilSampleFIFO(t *testing.T) {
	f := NewFake(3)
	f.Push(unwindqueue.ParsedSample{PID: 1})
	f.Push(unwindqueue.ParsedSample{PID: 2})

	s1, ok := f.ReadUntilSample(func(uint64) { t.Fatal("unexpected lost callback") })
	require.True(t, ok)
	require.Equal(t, uint32(1), s1.PID)
	require.Equal(t, uint32(3), s1.CPU)

	s2, ok := f.ReadUntilSample(func(uint64) { t.Fatal("unexpected lost callback") })
	require.True(t, ok)
	require.Equal(t, uint32(2), s2.PID)

	_, ok = f.ReadUntilSample(func(uint64) {})
	require.False(t, ok)
}

func TestFakeReportsLostOnce(t *testing.T) {
	f := NewFake(0)
	f.PushLost(5)
	f.Push(unwindqueue.ParsedSample{PID: 9})

	var lost uint64
	_, ok := f.ReadUntilSample(func(n uint64) { lost = n })
	require.True(t, ok)
	require.Equal(t, uint64(5), lost)

	lost = 0
	_, ok = f.ReadUntilSample(func(n uint64) { lost = n })
	require.False(t, ok)
	require.Zero(t, lost)
}

func TestFakeEnableDisable(t *testing.T) {
	f := NewFake(1)
	require.NoError(t, f.Enable())
	require.NoError(t, f.Disable())
	require.Equal(t, 1, f.CPU())
}
