package perfconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() SessionConfig {
	return SessionConfig{
		Clockid: ClockMonotonic,
		Pacing:  SamplePacing{Freq: true, Value: 100},
		Timebase: Timebase{
			Counter: &CounterCode{Type: 1, Config: 0},
		},
	}
}

func TestParseAcceptsValidConfig(t *testing.T) {
	_, err := Parse(validConfig())
	require.NoError(t, err)
}

func TestParseRejectsZeroTimebases(t *testing.T) {
	cfg := validConfig()
	cfg.Timebase = Timebase{}
	_, err := Parse(cfg)
	require.Error(t, err)
}

func TestParseRejectsMultipleTimebases(t *testing.T) {
	cfg := validConfig()
	cfg.Timebase.Tracepoint = &TracepointSpec{Group: "sched", Name: "sched_switch"}
	_, err := Parse(cfg)
	require.Error(t, err)
}

func TestParseRejectsZeroPacing(t *testing.T) {
	cfg := validConfig()
	cfg.Pacing.Value = 0
	_, err := Parse(cfg)
	require.Error(t, err)
}

func TestParseRejectsIncompleteTracepoint(t *testing.T) {
	cfg := validConfig()
	cfg.Timebase = Timebase{Tracepoint: &TracepointSpec{Group: "sched"}}
	_, err := Parse(cfg)
	require.Error(t, err)
}

func TestClockIDToBuiltin(t *testing.T) {
	require.Equal(t, "BUILTIN_CLOCK_BOOTTIME", ClockBoottime.ClockIDToBuiltin())
	require.Equal(t, "UNKNOWN", ClockUnknown.ClockIDToBuiltin())
}
