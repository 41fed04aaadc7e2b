package tracepacket

import "github.com/ztlevi/perfetto/internal/perfconfig"

// DefaultsPacket builds the packet emitted once per session start and once
// per incremental-state clear (spec.md §6 "Defaults packet").
func DefaultsPacket(bootNs uint64, cfg perfconfig.SessionConfig) Packet {
	td := TimebaseDefaults{Name: cfg.Timebase.Name}
	if cfg.Pacing.Freq {
		v := cfg.Pacing.Value
		td.Frequency = &v
	} else {
		v := cfg.Pacing.Value
		td.Period = &v
	}
	switch {
	case cfg.Timebase.Counter != nil:
		v := cfg.Timebase.Counter.Config
		td.CounterCode = &v
	case cfg.Timebase.Tracepoint != nil:
		td.TracepointName = cfg.Timebase.Tracepoint.Name
		td.TracepointFilter = cfg.Timebase.Tracepoint.Filter
	case cfg.Timebase.Raw != nil:
		t, c, c1, c2 := cfg.Timebase.Raw.Type, cfg.Timebase.Raw.Config, cfg.Timebase.Raw.Config1, cfg.Timebase.Raw.Config2
		td.RawType, td.RawConfig, td.RawConfig1, td.RawConfig2 = &t, &c, &c1, &c2
	}

	return Packet{
		TimestampNs:      bootNs,
		TimestampClockID: "BUILTIN_CLOCK_BOOTTIME",
		SequenceFlags:    SeqIncrementalStateCleared,
		TracePacketDefaults: &TracePacketDefaults{
			TimestampClockID:   cfg.Clockid.ClockIDToBuiltin(),
			PerfSampleDefaults: PerfSampleDefaults{Timebase: td},
		},
	}
}

// SamplePacket builds a perf_sample packet carrying the resolved
// callstack_iid and optional unwind_error (spec.md §4.8, §6).
func SamplePacket(sampleTs uint64, interned *InternedData, cpu, pid, tid uint32, mode CPUMode, timebaseCount uint64, callstackIID *uint64, unwindErr *UnwindError) Packet {
	return Packet{
		TimestampNs:   sampleTs,
		SequenceFlags: SeqNeedsIncrementalState,
		InternedData:  interned,
		PerfSample: &PerfSample{
			CPU:           cpu,
			PID:           pid,
			TID:           tid,
			CPUMode:       mode,
			TimebaseCount: timebaseCount,
			CallstackIID:  callstackIID,
			UnwindError:   unwindErr,
		},
	}
}

// SkippedSamplePacket builds a perf_sample packet carrying only a skip
// reason (spec.md §4.8).
func SkippedSamplePacket(sampleTs uint64, cpu, pid, tid uint32, reason SkippedReason) Packet {
	return Packet{
		TimestampNs:   sampleTs,
		SequenceFlags: SeqNeedsIncrementalState,
		PerfSample: &PerfSample{
			CPU:                 cpu,
			PID:                 pid,
			TID:                 tid,
			SampleSkippedReason: reason,
		},
	}
}

// RingBufferLossPacket builds the packet reporting kernel-side record loss
// for one cpu (spec.md §4.8, §6). Timestamped with boot clock since it's
// ordering-only, not sample-accurate.
func RingBufferLossPacket(bootNs uint64, cpu uint32, lost uint64) Packet {
	return Packet{
		TimestampNs:      bootNs,
		TimestampClockID: "BUILTIN_CLOCK_BOOTTIME",
		PerfSample: &PerfSample{
			CPU:               cpu,
			KernelRecordsLost: lost,
		},
	}
}

// GuardrailStopPacket builds the final packet emitted on an abrupt,
// guardrail-triggered purge (spec.md §4.7, §6).
func GuardrailStopPacket(bootNs uint64) Packet {
	return Packet{
		TimestampNs:      bootNs,
		TimestampClockID: "BUILTIN_CLOCK_BOOTTIME",
		PerfSample: &PerfSample{
			SourceStopReason: StopReasonGuardrail,
		},
	}
}

// CPUModeFromPerfMisc maps PERF_RECORD_MISC_* bits to CPUMode (spec.md §6).
func CPUModeFromPerfMisc(misc uint16) CPUMode {
	const (
		miscCPUModeMask = 7
		miscKernel      = 1
		miscUser        = 2
		miscHypervisor  = 3
		miscGuestKernel  = 4
		miscGuestUser    = 5
	)
	switch misc & miscCPUModeMask {
	case miscKernel:
		return ModeKernel
	case miscUser:
		return ModeUser
	case miscHypervisor:
		return ModeHypervisor
	case miscGuestKernel:
		return ModeGuestKernel
	case miscGuestUser:
		return ModeGuestUser
	default:
		return ModeUnknown
	}
}

// MapUnwindError maps the unwinder's error enum 1:1; unknown codes collapse
// to UnwindErrorUnknown (spec.md §6).
func MapUnwindError(code int) UnwindError {
	switch code {
	case 0:
		return UnwindErrorNone
	case 1:
		return UnwindErrorMapsParsing
	case 2:
		return UnwindErrorMemParsing
	case 3:
		return UnwindErrorInvalidElf
	case 4:
		return UnwindErrorUnsupportedFramePointer
	default:
		return UnwindErrorUnknown
	}
}
