package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseOffsetMsWithinPeriod(t *testing.T) {
	for _, id := range []uint64{0, 1, 2, 100, 1 << 40} {
		off := phaseOffsetMs(id, 50)
		require.Less(t, off, uint32(50))
	}
}

func TestPhaseOffsetMsZeroPeriod(t *testing.T) {
	require.Equal(t, uint32(0), phaseOffsetMs(7, 0))
}

func TestNextTickDelayMsWithinPeriod(t *testing.T) {
	delay := nextTickDelayMs(3, 100, 123456789)
	require.LessOrEqual(t, delay, uint32(100))
	require.Greater(t, delay, uint32(0))
}

func TestPhasedSessionsNotAllEqual(t *testing.T) {
	// Two sessions with the same period should usually get distinct
	// phase offsets (spec.md §8: "scheduled read instants ... are not
	// all equal"). splitmix64 isn't guaranteed collision-free for every
	// pair, but a run of many distinct ids should show variety.
	const period = 97
	seen := map[uint32]struct{}{}
	for id := uint64(0); id < 50; id++ {
		seen[phaseOffsetMs(id, period)] = struct{}{}
	}
	require.Greater(t, len(seen), 1)
}
