// Package perfconfig holds the immutable configuration model for a single
// profiling session: the perf_event attributes, the target filter, and the
// knobs that govern pacing, footprint, and timeouts.
package perfconfig

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ClockID identifies which kernel clock perf_event_open samples are
// timestamped against.
type ClockID int

const (
	ClockUnknown ClockID = iota
	ClockRealtime
	ClockMonotonic
	ClockMonotonicRaw
	ClockBoottime
)

// Timebase selects what drives sampling: a builtin counter code, a kernel
// tracepoint, or a raw (type, config) pair. Exactly one of the three must be
// set; Parse rejects configs that set more than one or none.
type Timebase struct {
	// Name is an optional human-readable label carried through to the
	// defaults packet.
	Name string

	Counter    *CounterCode
	Tracepoint *TracepointSpec
	Raw        *RawEvent
}

// CounterCode is one of the builtin perf_event counter codes (e.g. cycles,
// instructions). Values match unix.PERF_COUNT_HW_* / PERF_COUNT_SW_*.
type CounterCode struct {
	Type   uint32 // unix.PERF_TYPE_HARDWARE or unix.PERF_TYPE_SOFTWARE
	Config uint64
}

// TracepointSpec names a kernel static tracepoint by (group, name), with an
// optional ftrace filter expression. The numeric id is resolved lazily the
// first time the session starts, via a tracefs lookup.
type TracepointSpec struct {
	Group  string
	Name   string
	Filter string
}

// RawEvent is an escape hatch for perf_event_attr fields not covered by
// CounterCode or TracepointSpec.
type RawEvent struct {
	Type    uint32
	Config  uint64
	Config1 uint64
	Config2 uint64
}

// SamplePacing is freq-based or period-based, never both.
type SamplePacing struct {
	Freq   bool
	Value  uint64 // sample_freq if Freq, else sample_period
}

// TargetFilter decides which pids/cmdlines a session cares about. See
// EvaluateFilter in the session package for the acceptance rule.
type TargetFilter struct {
	Pids     map[int32]struct{}
	Cmdlines map[string]struct{}

	ExcludePids     map[int32]struct{}
	ExcludeCmdlines map[string]struct{}

	// AdditionalCmdlineCount is the budget for "adopt up to N new
	// cmdlines seen at runtime" when no explicit inclusion list matches.
	AdditionalCmdlineCount int
}

// SessionConfig is immutable once a session is created from it.
type SessionConfig struct {
	Clockid ClockID
	Pacing  SamplePacing
	Timebase Timebase

	Filter TargetFilter

	ReadTickPeriodMs       uint32
	SamplesPerTickLimit    uint32
	MaxEnqueuedFootprintBytes uint64
	KernelFrames           bool
	UnwindStateClearPeriodMs uint32
	DescriptorTimeoutMs    uint32
	SampleCallstacks       bool
	MaxDaemonMemoryKb      uint64

	// UnwindQueueCapacity bounds the SPSC unwind queue's entry count
	// (spec.md §3 "unwind_queue", §8's "Queue backpressure" scenario).
	// Zero means "use the implementation default".
	UnwindQueueCapacity uint32

	// TargetInstalledBy authorizes descriptor delivery for a uid: a
	// delivered process is only adopted if its uid is in this set, or
	// the set is empty (open authorization).
	TargetInstalledBy map[uint32]struct{}

	// Raw is the unparsed service-provided config blob, retained for
	// authorization checks that need fields this struct doesn't expose.
	Raw []byte
}

// Parse validates a SessionConfig for internal consistency. It does not
// reach into the kernel; perfreader.Configure is responsible for turning a
// validated SessionConfig into an actual perf_event_attr per CPU.
func Parse(cfg SessionConfig) (SessionConfig, error) {
	n := 0
	if cfg.Timebase.Counter != nil {
		n++
	}
	if cfg.Timebase.Tracepoint != nil {
		n++
	}
	if cfg.Timebase.Raw != nil {
		n++
	}
	if n != 1 {
		return SessionConfig{}, fmt.Errorf("perfconfig: exactly one timebase must be set, got %d", n)
	}
	if cfg.Pacing.Value == 0 {
		return SessionConfig{}, fmt.Errorf("perfconfig: sample_freq/sample_period must be nonzero")
	}
	if cfg.Timebase.Tracepoint != nil {
		tp := cfg.Timebase.Tracepoint
		if tp.Group == "" || tp.Name == "" {
			return SessionConfig{}, fmt.Errorf("perfconfig: tracepoint requires group and name")
		}
	}
	return cfg, nil
}

// ClockIDToBuiltin maps a perf_event clockid to the BUILTIN_CLOCK_* enum
// used in trace packet timestamp_clock_id fields, per spec.md §6.
func (c ClockID) ClockIDToBuiltin() string {
	switch c {
	case ClockRealtime:
		return "BUILTIN_CLOCK_REALTIME"
	case ClockMonotonic:
		return "BUILTIN_CLOCK_MONOTONIC"
	case ClockMonotonicRaw:
		return "BUILTIN_CLOCK_MONOTONIC_RAW"
	case ClockBoottime:
		return "BUILTIN_CLOCK_BOOTTIME"
	default:
		return "UNKNOWN"
	}
}

// UnixClockID translates a ClockID into the unix clockid value
// PerfEventOpen expects, used by internal/perfreader. ClockUnknown maps to
// CLOCK_MONOTONIC.
func (c ClockID) UnixClockID() int32 {
	switch c {
	case ClockRealtime:
		return unix.CLOCK_REALTIME
	case ClockMonotonic:
		return unix.CLOCK_MONOTONIC
	case ClockMonotonicRaw:
		return unix.CLOCK_MONOTONIC_RAW
	case ClockBoottime:
		return unix.CLOCK_BOOTTIME
	default:
		return unix.CLOCK_MONOTONIC
	}
}
