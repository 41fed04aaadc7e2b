//go:build linux

package perfreader

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ztlevi/perfetto/internal/perfconfig"
)

// sampleTypeMask is the PERF_SAMPLE_* bitmask this package always requests,
// matching the fields ParsedSample needs per spec.md §3: cpu, pid/tid,
// timestamp, the raw user register set, and the raw stack bytes. Modeled on
// the teacher's single-field Sample/Bits setup in cmd/profiler2 and
// cmd/profiler3, generalized from a hardcoded software-clock counter to an
// arbitrary timebase.
const sampleTypeMask = unix.PERF_SAMPLE_IP |
	unix.PERF_SAMPLE_TID |
	unix.PERF_SAMPLE_TIME |
	unix.PERF_SAMPLE_CPU |
	unix.PERF_SAMPLE_PERIOD |
	unix.PERF_SAMPLE_REGS_USER |
	unix.PERF_SAMPLE_STACK_USER

// userStackSize is how many bytes of user stack we ask the kernel to copy
// per sample; perfetto's traced_perf defaults to 32KiB, which is what we
// follow here.
const userStackSize = 32 * 1024

// buildAttr turns a validated SessionConfig into a perf_event_attr for one
// CPU (spec.md §4.2 step 4). EventConfig resolution (tracepoint id lookup)
// must already have happened; see TracefsResolver.
func buildAttr(cfg perfconfig.SessionConfig, resolvedTracepointID uint64) (*unix.PerfEventAttr, error) {
	attr := &unix.PerfEventAttr{
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Bits:        unix.PerfBitDisabled,
		Sample_type: sampleTypeMask,
		Sample_regs_user: ^uint64(0), // all general-purpose registers
		Sample_stack_user: userStackSize,
		Clockid:     cfg.Clockid.UnixClockID(),
	}
	attr.Bits |= unix.PerfBitUseClockid

	if cfg.Pacing.Freq {
		attr.Bits |= unix.PerfBitFreq
	}
	attr.Sample = cfg.Pacing.Value

	switch {
	case cfg.Timebase.Counter != nil:
		attr.Type = cfg.Timebase.Counter.Type
		attr.Config = cfg.Timebase.Counter.Config
	case cfg.Timebase.Tracepoint != nil:
		attr.Type = unix.PERF_TYPE_TRACEPOINT
		attr.Config = resolvedTracepointID
	case cfg.Timebase.Raw != nil:
		attr.Type = cfg.Timebase.Raw.Type
		attr.Config = cfg.Timebase.Raw.Config
		attr.Ext1 = cfg.Timebase.Raw.Config1
		attr.Ext2 = cfg.Timebase.Raw.Config2
	default:
		return nil, fmt.Errorf("perfreader: no timebase set")
	}

	return attr, nil
}
