// Package unwindqueue implements the bounded single-producer/single-consumer
// queue of unwind entries (spec.md §3 "UnwindEntry", §4.4, §5) and the
// UnwindWorker interface the producer drives it through. The producer side
// (this package, called from internal/session) owns the write view/commit
// API; a real worker's consume loop owns the read side on its own
// goroutine.
package unwindqueue

import (
	"sync"
	"sync/atomic"

	"github.com/ztlevi/perfetto/internal/perfconfig"
)

// ParsedSample mirrors spec.md §3's ParsedSample.
type ParsedSample struct {
	CPU           uint32
	PID           uint32
	TID           uint32
	TimestampNs   uint64
	CPUMode       int
	TimebaseCount uint64
	Regs          []byte // nil => kernel thread, per spec.md §3
	Stack         []byte
}

// UnwindEntry is what the producer pushes and the worker consumes (spec.md
// §3).
type UnwindEntry struct {
	SessionID uint64
	Sample    ParsedSample
}

// slot is a reserved-but-not-yet-committed queue position, implementing the
// two-phase reserve/commit sequence spec.md §4.4 describes literally ("if
// the SPSC write slot is available, place an UnwindEntry there, commit").
type slot struct {
	q   *Queue
	idx int
}

// Commit publishes the entry written into the reserved slot, making it
// visible to the consumer.
func (s slot) Commit(e UnwindEntry) {
	s.q.buf[s.idx] = e
	s.q.tail.Add(1)
}

// Queue is a bounded SPSC ring of UnwindEntry plus the atomic
// enqueued-footprint counter the producer reads before pushing and
// increments on successful push (spec.md §5); the worker side decrements it
// as entries complete.
type Queue struct {
	buf  []UnwindEntry
	head atomic.Uint64 // consumer-owned read cursor
	tail atomic.Uint64 // producer-owned write cursor

	footprint atomic.Uint64

	mu sync.Mutex // serializes TryReserve calls only; Commit and Pop do not take it
}

// New returns a Queue that can hold up to capacity entries.
func New(capacity int) *Queue {
	return &Queue{buf: make([]UnwindEntry, capacity)}
}

// Len reports how many entries are currently queued.
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap reports the queue's fixed capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// TryReserve reserves the next write slot if the queue isn't full. Callers
// must Commit the returned slot to publish the entry; a slot that is never
// committed publishes nothing, and the next TryReserve hands out the same
// index again (the producer always commits immediately after a successful
// reserve, per spec.md §4.4).
func (q *Queue) TryReserve() (slot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Len() >= len(q.buf) {
		return slot{}, false
	}
	idx := int(q.tail.Load()) % len(q.buf)
	return slot{q: q, idx: idx}, true
}

// Pop removes and returns the oldest entry, if any. Only the worker's
// consumer goroutine should call this.
func (q *Queue) Pop() (UnwindEntry, bool) {
	if q.Len() == 0 {
		return UnwindEntry{}, false
	}
	idx := int(q.head.Load()) % len(q.buf)
	e := q.buf[idx]
	q.head.Add(1)
	return e, true
}

// EnqueuedFootprint returns the current footprint counter value.
func (q *Queue) EnqueuedFootprint() uint64 { return q.footprint.Load() }

// AddFootprint increments the footprint counter by n bytes; the producer
// calls this immediately after a successful push.
func (q *Queue) AddFootprint(n uint64) { q.footprint.Add(n) }

// ReleaseFootprint decrements the footprint counter, saturating at zero
// rather than underflowing; the worker calls this as it completes (or
// discards) entries.
func (q *Queue) ReleaseFootprint(n uint64) {
	for {
		cur := q.footprint.Load()
		next := cur - n
		if n > cur {
			next = 0
		}
		if q.footprint.CompareAndSwap(cur, next) {
			return
		}
	}
}

// CompletedSample is the parsed-sample common fields plus resolved frames,
// per spec.md §3.
type CompletedSample struct {
	SessionID     uint64
	CPU           uint32
	PID           uint32
	TID           uint32
	TimestampNs   uint64
	CPUMode       int
	TimebaseCount uint64
	Frames        []Frame
	BuildIDs      []string
	UnwindError   int
}

// Frame is one resolved stack frame, pre-interning.
type Frame struct {
	FunctionName string
	MappingName  string
	RelPC        uint64
}

// EmitSampleFunc is how a worker hands a completed sample back to the
// producer (spec.md §2 "completed samples are posted back to the producer
// via post_emit_sample"). Implementations must be safe to call from the
// worker's own goroutine; they're expected to hop onto the producer's task
// runner internally.
type EmitSampleFunc func(CompletedSample)

// Worker is the external collaborator spec.md §2 calls "Unwind Worker":
// it owns the queue's consumer side and is driven by these lifecycle calls
// from the producer (spec.md §4.2 step 7, §4.6, §4.7).
type Worker interface {
	// PostStartDataSource notifies the worker a session has started and
	// gives it the session's queue and kernel-frames toggle.
	PostStartDataSource(sessionID uint64, queue *Queue, kernelFrames bool, emit EmitSampleFunc)
	// PostFinishDataSourceStop asks the worker to drain sessionID's queue,
	// then stop processing it; the worker must eventually call the
	// onStopped callback registered at PostStartDataSource time (modeled
	// here as a parameter for simplicity).
	PostFinishDataSourceStop(sessionID uint64, onStopped func())
	// PostPurgeDataSource discards sessionID's queue contents immediately,
	// without waiting for in-flight entries to complete (spec.md §4.7
	// "Abrupt purge").
	PostPurgeDataSource(sessionID uint64)
	// PostRecordTimedOutProcDescriptors tells the worker pid's descriptor
	// lookup expired, so it can discard already-enqueued entries for that
	// pid and mark future ones as UNWIND_STAGE skips (spec.md §4.6).
	PostRecordTimedOutProcDescriptors(sessionID uint64, pid int32)
	// PostAdoptProcDescriptors hands resolved /proc descriptors to the
	// worker for pid (spec.md §4.6).
	PostAdoptProcDescriptors(sessionID uint64, pid int32, uid uint32, mapsFD, memFD int)
	// PostClearCachedUnwindState asks the worker to drop whatever it has
	// cached about processes' address spaces (maps/symbol tables), so
	// stale mappings from an exec or unmap don't keep symbolizing against
	// freed state (spec.md §4.2 step 7's unwind_state_clear_period_ms).
	PostClearCachedUnwindState()
}

// EventConfigKernelFrames is a tiny helper so callers don't need to import
// perfconfig just to read one bool off a SessionConfig when wiring a
// Worker.PostStartDataSource call.
func EventConfigKernelFrames(cfg perfconfig.SessionConfig) bool { return cfg.KernelFrames }
