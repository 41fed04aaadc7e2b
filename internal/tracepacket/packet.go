// Package tracepacket stands in for the out-of-scope trace-packet
// serialization library: it models the fields spec.md §6 describes as plain
// Go structs and gives each session a TraceWriter that sequences them. No
// wire encoding happens here; a real deployment would hand these to
// perfetto's protobuf-based packet writer instead.
package tracepacket

import "sync"

// SequenceFlag mirrors the packet sequence flags that govern incremental
// state semantics on a trace-writer sequence.
type SequenceFlag uint32

const (
	SeqUnspecified SequenceFlag = 0
	// SeqIncrementalStateCleared marks a packet as resetting the reader's
	// incremental-state assumptions (interning tables, defaults).
	SeqIncrementalStateCleared SequenceFlag = 1 << iota
	// SeqNeedsIncrementalState marks a packet as relying on incremental
	// state established by a prior packet on the same sequence.
	SeqNeedsIncrementalState
)

// CPUMode mirrors PERF_RECORD_MISC_* translated to the wire enum.
type CPUMode int

const (
	ModeUnknown CPUMode = iota
	ModeKernel
	ModeUser
	ModeHypervisor
	ModeGuestKernel
	ModeGuestUser
)

// SkippedReason enumerates why a sample never reached emit.
type SkippedReason int

const (
	SkippedNone SkippedReason = iota
	SkippedReadStage
	SkippedUnwindEnqueue
	SkippedUnwindStage
)

// SourceStopReason annotates a guardrail-triggered stop.
type SourceStopReason int

const (
	StopReasonUnspecified SourceStopReason = iota
	StopReasonGuardrail
)

// UnwindError mirrors the unwinder's error enum mapped 1:1, per spec.md §6;
// unknown codes collapse to UnwindErrorUnknown.
type UnwindError int

const (
	UnwindErrorNone UnwindError = iota
	UnwindErrorUnknown
	UnwindErrorMapsParsing
	UnwindErrorMemParsing
	UnwindErrorInvalidElf
	UnwindErrorUnsupportedFramePointer
)

// Frame is one resolved stack frame.
type Frame struct {
	FunctionName string
	MappingName  string
	RelPC        uint64
}

// TimebaseDefaults is the perf_sample_defaults.timebase sub-message.
type TimebaseDefaults struct {
	Frequency *uint64
	Period    *uint64

	CounterCode    *uint64
	TracepointName string
	TracepointFilter string
	RawType, RawConfig, RawConfig1, RawConfig2 *uint64

	Name string
}

// PerfSampleDefaults is carried on the defaults packet.
type PerfSampleDefaults struct {
	Timebase TimebaseDefaults
}

// TracePacketDefaults is carried on the defaults packet's trace_packet_defaults field.
type TracePacketDefaults struct {
	TimestampClockID string
	PerfSampleDefaults PerfSampleDefaults
}

// InternedCallstack is one (new) interned callstack entry.
type InternedCallstack struct {
	IID    uint64
	Frames []Frame
}

// InternedData carries newly-interned entries for this packet.
type InternedData struct {
	Callstacks []InternedCallstack
}

// PerfSample is the per-sample body.
type PerfSample struct {
	CPU             uint32
	PID             uint32
	TID             uint32
	CPUMode         CPUMode
	TimebaseCount   uint64
	CallstackIID    *uint64
	UnwindError     *UnwindError
	SampleSkippedReason SkippedReason
	KernelRecordsLost   uint64
	SourceStopReason    SourceStopReason
}

// Packet is a single trace packet on a session's sequence.
type Packet struct {
	// SeqNum is the 1-based, monotonically increasing packet number on
	// this session's TraceWriter sequence.
	SeqNum uint64

	TimestampNs      uint64
	TimestampClockID string // "BUILTIN_CLOCK_BOOTTIME" for boot-clock packets
	SequenceFlags    SequenceFlag

	TracePacketDefaults *TracePacketDefaults
	InternedData        *InternedData
	PerfSample          *PerfSample
}

// TraceWriter sequences packets for one session. It is the Go analogue of
// the external shared-memory trace buffer writer: it assigns sequence
// numbers and retains packets so tests (and, in a real deployment, the
// actual SMB writer) can observe them in order.
type TraceWriter struct {
	mu      sync.Mutex
	bufferID uint32
	seq     uint64
	packets []Packet
}

// NewTraceWriter binds a writer to a target shared-memory buffer id.
func NewTraceWriter(bufferID uint32) *TraceWriter {
	return &TraceWriter{bufferID: bufferID}
}

// Write assigns the next sequence number to p and appends it.
func (w *TraceWriter) Write(p Packet) Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	p.SeqNum = w.seq
	w.packets = append(w.packets, p)
	return p
}

// Packets returns a copy of everything written so far, in order.
func (w *TraceWriter) Packets() []Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Packet, len(w.packets))
	copy(out, w.packets)
	return out
}

// Flush is a no-op: spec.md §7/§9 makes flush of linux.perf a deliberate
// no-op, since correctness relies on the service scraping shared buffers
// directly rather than a drained response.
func (w *TraceWriter) Flush() {}

// BufferID returns the target buffer id this writer is bound to.
func (w *TraceWriter) BufferID() uint32 { return w.bufferID }
