package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ztlevi/perfetto/internal/interning"
	"github.com/ztlevi/perfetto/internal/metrics"
	"github.com/ztlevi/perfetto/internal/perfconfig"
	"github.com/ztlevi/perfetto/internal/perfreader"
	"github.com/ztlevi/perfetto/internal/taskrunner"
	"github.com/ztlevi/perfetto/internal/tracepacket"
	"github.com/ztlevi/perfetto/internal/trie"
	"github.com/ztlevi/perfetto/internal/unwindqueue"
)

// Clock abstracts wall-clock and boot-clock reads so tests can control
// time deterministically instead of sleeping.
type Clock interface {
	WallMs() uint64
	BootNs() uint64
}

// Host is everything a Session needs from its owning producer: the task
// runner to post work through, the shared callstack trie, the unwind
// worker, the descriptor getter, metrics, a logger, and a clock. Producer
// implements this.
type Host interface {
	Runner() *taskrunner.Runner
	Trie() *trie.Trie
	Worker() unwindqueue.Worker
	Clock() Clock
	Metrics() *metrics.Metrics
	Logger() zerolog.Logger
	// CmdlineFor resolves a pid's cmdline for the filter (spec.md §4.5
	// step 1); ok is false on transient lookup failure.
	CmdlineFor(pid int32) (cmdline string, ok bool)
	// RequestDescriptors kicks off an async descriptor lookup for pid.
	// The result arrives later via the producer's first-fit routing,
	// which calls this (or another waiting) session's
	// OnDescriptorsResolved directly — there is no per-call callback.
	RequestDescriptors(pid int32)
	// NeedsStartupDelay reports whether the platform requires deferring
	// descriptor lookups by a fixed grace period (spec.md §4.6). The
	// producer's implementation sources this from its Getter, the
	// collaborator spec.md §2 makes responsible for reporting it.
	NeedsStartupDelay() bool
	// AndroidStartupDelay is that fixed grace period.
	AndroidStartupDelay() time.Duration
	// OnSessionFinished is called once this session has fully torn down
	// (post-stop or post-purge), so the producer can erase it from its
	// map and, if it was the last one, clear shared resources.
	OnSessionFinished(sessionID uint64, purged bool)
}

// Session is one profiling session's full state (spec.md §3 SessionState).
type Session struct {
	ID     uint64
	Config perfconfig.SessionConfig

	host Host

	readers []perfreader.EventReader
	queue   *unwindqueue.Queue
	writer  *tracepacket.TraceWriter
	interns *interning.Tracker

	processStates      map[int32]ProcessStatus
	additionalCmdlines map[string]struct{}
	descriptorCancels  map[int32]func()

	status Status

	token      taskrunner.Token
	tickCancel func()
	clearCancel func()
	guardrailCancel func()

	log zerolog.Logger
}

// New validates cfg, configures one EventReader per CPU via openReader,
// wires up the queue/writer/interning tracker, and returns an Active
// session. It does not yet schedule ticks or notify the unwind
// worker — call Start for that, once the session has been inserted into
// the producer's map (spec.md §4.2 steps 1-6 vs. 7-9).
//
// openReader is injected so tests can substitute perfreader.Fake readers
// instead of touching the kernel, and so the real producer can pass
// perfreader.Open bound to a resolved tracepoint id.
func New(id uint64, cfg perfconfig.SessionConfig, host Host, token taskrunner.Token, numCPUs int, openReader func(cpu int) (perfreader.EventReader, error)) (*Session, error) {
	cfg, err := perfconfig.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", id, err)
	}

	s := &Session{
		ID:                 id,
		Config:             cfg,
		host:               host,
		queue:              unwindqueue.New(queueCapacity(cfg)),
		writer:             tracepacket.NewTraceWriter(uint32(id)),
		interns:            interning.New(),
		processStates:      map[int32]ProcessStatus{},
		additionalCmdlines: map[string]struct{}{},
		descriptorCancels:  map[int32]func(){},
		status:             StatusActive,
		token:              token,
		log:                host.Logger().With().Uint64("session_id", id).Logger(),
	}

	// spec.md §4.2 step 4 + SUPPLEMENTED FEATURES #1: disable readers
	// already configured for earlier CPUs if a later one fails (they are
	// not closed; EventReader has no Close).
	for cpu := 0; cpu < numCPUs; cpu++ {
		r, err := openReader(cpu)
		if err != nil {
			for _, opened := range s.readers {
				_ = opened.Disable()
			}
			return nil, fmt.Errorf("session %d: configure cpu %d: %w", id, cpu, err)
		}
		s.readers = append(s.readers, r)
	}

	return s, nil
}

// queueCapacity derives the SPSC queue's entry capacity from the
// footprint budget, falling back to a reasonable default when the session
// didn't set one; entries themselves are variable-sized (stack bytes), so
// this bounds entry *count*, while the footprint counter separately bounds
// *bytes* (spec.md §3 UnwindEntry, §4.4 footprint gate).
func queueCapacity(cfg perfconfig.SessionConfig) int {
	const defaultCapacity = 1024
	if cfg.UnwindQueueCapacity > 0 {
		return int(cfg.UnwindQueueCapacity)
	}
	return defaultCapacity
}

// Start emits the defaults + fixed-interning packets, enables every reader,
// notifies the unwind worker, and schedules the first read tick and (if
// configured) the periodic unwind-state clear and memory guardrail
// (spec.md §4.2 steps 6-9).
func (s *Session) Start() {
	s.emitDefaultsAndInterning()

	for _, r := range s.readers {
		if err := r.Enable(); err != nil {
			s.log.Warn().Err(err).Int("cpu", r.CPU()).Msg("failed to enable reader")
		}
	}

	s.host.Worker().PostStartDataSource(s.ID, s.queue, s.Config.KernelFrames, s.postEmitSample)

	if s.Config.UnwindStateClearPeriodMs > 0 {
		s.scheduleIncrementalClear()
	}

	s.scheduleNextTick()

	if s.Config.MaxDaemonMemoryKb > 0 {
		s.scheduleGuardrail()
	}
}

func (s *Session) emitDefaultsAndInterning() {
	s.writer.Write(tracepacket.DefaultsPacket(s.host.Clock().BootNs(), s.Config))
	s.writer.Write(interning.FixedInterningPacket())
}

func (s *Session) scheduleNextTick() {
	if s.status == StatusShuttingDown {
		return
	}
	delayMs := nextTickDelayMs(s.ID, s.Config.ReadTickPeriodMs, s.host.Clock().WallMs())
	tok := s.token
	id := s.ID
	s.tickCancel = s.host.Runner().PostDelayedTask(time.Duration(delayMs)*time.Millisecond, func() {
		if !tok.Valid() {
			return
		}
		s.tick(id)
	})
}

// tick is the read-tick contract from spec.md §4.3: process every reader
// round-robin up to samples_per_tick_limit total *per reader* and aggregate
// a more_available flag. No wake is posted to the unwind worker after the
// pass; the worker picks entries up from the queue on its own.
func (s *Session) tick(id uint64) {
	moreAvailable := false
	for _, r := range s.readers {
		if s.drainReader(r) {
			moreAvailable = true
		}
	}

	if s.status == StatusShuttingDown && !moreAvailable {
		s.host.Worker().PostFinishDataSourceStop(s.ID, func() {
			s.cancelScheduled()
			s.host.OnSessionFinished(s.ID, false)
		})
		return
	}

	s.scheduleNextTick()
}

// drainReader implements spec.md §4.4 for one reader: up to
// samples_per_tick_limit samples, returns true if the per-reader cap was
// exhausted (so more records likely remain).
func (s *Session) drainReader(r perfreader.EventReader) bool {
	limit := int(s.Config.SamplesPerTickLimit)
	for i := 0; i < limit; i++ {
		sample, ok := r.ReadUntilSample(func(lost uint64) {
			s.writer.Write(tracepacket.RingBufferLossPacket(s.host.Clock().BootNs(), uint32(r.CPU()), lost))
			if m := s.host.Metrics(); m != nil {
				m.RecordsLost.Add(float64(lost))
			}
		})
		if !ok {
			return false
		}

		if !s.Config.SampleCallstacks {
			s.EmitSample(sample, nil, nil)
			continue
		}
		if sample.Regs == nil {
			// Kernel worker thread: drop, per spec.md §4.4.
			continue
		}

		if !s.admitForUnwind(sample) {
			continue
		}

		s.enqueueForUnwind(sample)
	}
	return true
}

// admitForUnwind applies the pid state machine gate from spec.md §4.4: it
// returns false (having already emitted whatever packet the state calls
// for) when the sample should not proceed to the queue-push step.
func (s *Session) admitForUnwind(sample unwindqueue.ParsedSample) bool {
	pid := int32(sample.PID)
	switch s.processStates[pid] {
	case ProcessExpired:
		s.EmitSkippedSample(sample, tracepacket.SkippedReadStage)
		return false
	case ProcessRejected:
		return false
	case ProcessResolving, ProcessResolved:
		return true
	default: // ProcessInitial
		cmdline, known := s.host.CmdlineFor(pid)
		if !known {
			s.log.Debug().Int32("pid", pid).Msg("cmdline lookup failed, filtering with unknown cmdline")
		}
		accept := EvaluateFilter(pid, cmdline, known, s.additionalCmdlines, s.Config.Filter.AdditionalCmdlineCount, s.Config.Filter)
		if !accept {
			s.processStates[pid] = ProcessRejected
			return false
		}
		s.processStates[pid] = ProcessResolving
		s.initiateDescriptorLookup(pid)
		return true
	}
}

// enqueueForUnwind applies the footprint gate and the reserve/commit push
// from spec.md §4.4.
func (s *Session) enqueueForUnwind(sample unwindqueue.ParsedSample) {
	limit := s.Config.MaxEnqueuedFootprintBytes
	stackSize := uint64(len(sample.Stack))
	if limit > 0 && s.queue.EnqueuedFootprint()+stackSize >= limit {
		s.EmitSkippedSample(sample, tracepacket.SkippedUnwindEnqueue)
		return
	}

	slot, ok := s.queue.TryReserve()
	if !ok {
		s.EmitSkippedSample(sample, tracepacket.SkippedUnwindEnqueue)
		return
	}
	slot.Commit(unwindqueue.UnwindEntry{SessionID: s.ID, Sample: sample})
	s.queue.AddFootprint(stackSize)
	if m := s.host.Metrics(); m != nil {
		m.EnqueuedFootprint.WithLabelValues(sessionLabel(s.ID)).Set(float64(s.queue.EnqueuedFootprint()))
	}
}

func sessionLabel(id uint64) string { return fmt.Sprintf("%d", id) }

// initiateDescriptorLookup implements spec.md §4.6: on platforms needing a
// startup grace period, the actual lookup is delayed by a fixed duration;
// otherwise it starts immediately. Either way, a timeout is scheduled.
func (s *Session) initiateDescriptorLookup(pid int32) {
	start := func() { s.startDescriptorLookup(pid) }
	if s.host.NeedsStartupDelay() {
		tok := s.token
		cancel := s.host.Runner().PostDelayedTask(s.host.AndroidStartupDelay(), func() {
			if !tok.Valid() {
				return
			}
			start()
		})
		s.descriptorCancels[pid] = cancel
		return
	}
	start()
}

func (s *Session) startDescriptorLookup(pid int32) {
	s.host.RequestDescriptors(pid)

	tok := s.token
	timeoutMs := time.Duration(s.Config.DescriptorTimeoutMs) * time.Millisecond
	cancel := s.host.Runner().PostDelayedTask(timeoutMs, func() {
		if !tok.Valid() {
			return
		}
		s.evaluateDescriptorLookupTimeout(pid)
	})
	s.descriptorCancels[pid] = cancel
}

// evaluateDescriptorLookupTimeout implements spec.md §4.6's timeout
// evaluation: only a still-Resolving pid expires.
func (s *Session) evaluateDescriptorLookupTimeout(pid int32) {
	if s.processStates[pid] != ProcessResolving {
		return
	}
	s.processStates[pid] = ProcessExpired
	s.host.Worker().PostRecordTimedOutProcDescriptors(s.ID, pid)
}

// OnDescriptorsResolved is called by the producer's first-fit routing
// (onProcDescriptors) once it picks this session for a pid (spec.md §4.6).
// It marks the pid Resolved (rescuing an Expired pid per spec.md §3) and
// hands the descriptors to the unwind worker.
func (s *Session) OnDescriptorsResolved(pid int32, uid uint32, mapsFD, memFD int) {
	switch s.processStates[pid] {
	case ProcessResolving, ProcessExpired:
		s.processStates[pid] = ProcessResolved
		if cancel, ok := s.descriptorCancels[pid]; ok {
			cancel()
			delete(s.descriptorCancels, pid)
		}
		s.host.Worker().PostAdoptProcDescriptors(s.ID, pid, uid, mapsFD, memFD)
	}
}

// IsAuthorizedFor reports whether this session accepts descriptors
// delivered for uid, per its TargetInstalledBy set (spec.md §4.6).
func (s *Session) IsAuthorizedFor(uid uint32) bool {
	if len(s.Config.TargetInstalledBy) == 0 {
		return true
	}
	_, ok := s.Config.TargetInstalledBy[uid]
	return ok
}

// IsWaitingFor reports whether pid is currently Resolving or Expired in
// this session — the predicate onProcDescriptors' first-fit scan uses.
func (s *Session) IsWaitingFor(pid int32) bool {
	st := s.processStates[pid]
	return st == ProcessResolving || st == ProcessExpired
}

// postEmitSample is the EmitSampleFunc handed to the unwind worker at
// start (spec.md §2 "post_emit_sample"); it hops back onto the task
// runner before touching any session state.
func (s *Session) postEmitSample(cs unwindqueue.CompletedSample) {
	tok := s.token
	s.host.Runner().PostTask(func() {
		if !tok.Valid() {
			return
		}
		s.emitCompleted(cs)
	})
}

func (s *Session) emitCompleted(cs unwindqueue.CompletedSample) {
	frames := make([]tracepacket.Frame, len(cs.Frames))
	for i, f := range cs.Frames {
		frames[i] = tracepacket.Frame{FunctionName: f.FunctionName, MappingName: f.MappingName, RelPC: f.RelPC}
	}

	result := s.host.Trie().Intern(frames)

	var interned *tracepacket.InternedData
	if s.interns.NeedsInterning(result.IID, frames) {
		interned = &tracepacket.InternedData{Callstacks: []tracepacket.InternedCallstack{{IID: result.IID, Frames: frames}}}
	}

	var unwindErr *tracepacket.UnwindError
	if cs.UnwindError != 0 {
		v := tracepacket.MapUnwindError(cs.UnwindError)
		unwindErr = &v
	}

	iid := result.IID
	mode := tracepacket.CPUModeFromPerfMisc(uint16(cs.CPUMode))
	s.writer.Write(tracepacket.SamplePacket(cs.TimestampNs, interned, cs.CPU, cs.PID, cs.TID, mode, cs.TimebaseCount, &iid, unwindErr))
	if m := s.host.Metrics(); m != nil {
		m.SamplesEmitted.WithLabelValues(sessionLabel(s.ID)).Inc()
	}
}

// EmitSample implements spec.md §4.8 emit_sample for the counter-mode
// (no-unwind) path: no callstack is involved, so callstack_iid stays nil.
func (s *Session) EmitSample(sample unwindqueue.ParsedSample, frames []tracepacket.Frame, unwindErr *tracepacket.UnwindError) {
	mode := tracepacket.CPUModeFromPerfMisc(uint16(sample.CPUMode))
	s.writer.Write(tracepacket.SamplePacket(sample.TimestampNs, nil, sample.CPU, sample.PID, sample.TID, mode, sample.TimebaseCount, nil, unwindErr))
	if m := s.host.Metrics(); m != nil {
		m.SamplesEmitted.WithLabelValues(sessionLabel(s.ID)).Inc()
	}
}

// EmitSkippedSample implements spec.md §4.8 emit_skipped_sample.
func (s *Session) EmitSkippedSample(sample unwindqueue.ParsedSample, reason tracepacket.SkippedReason) {
	s.writer.Write(tracepacket.SkippedSamplePacket(sample.TimestampNs, sample.CPU, sample.PID, sample.TID, reason))
	if m := s.host.Metrics(); m != nil {
		m.SamplesSkipped.WithLabelValues(sessionLabel(s.ID), skippedReasonLabel(reason)).Inc()
	}
}

func skippedReasonLabel(r tracepacket.SkippedReason) string {
	switch r {
	case tracepacket.SkippedReadStage:
		return "read_stage"
	case tracepacket.SkippedUnwindEnqueue:
		return "unwind_enqueue"
	case tracepacket.SkippedUnwindStage:
		return "unwind_stage"
	default:
		return "unknown"
	}
}

// Writer exposes the session's TraceWriter (tests assert against its
// Packets()).
func (s *Session) Writer() *tracepacket.TraceWriter { return s.writer }

// Status reports the session's current lifecycle status.
func (s *Session) Status() Status { return s.status }

// ProcessStatusOf exposes the tracking state for pid (Initial if absent),
// for tests asserting spec.md §8's state-machine invariants.
func (s *Session) ProcessStatusOf(pid int32) ProcessStatus {
	return s.processStates[pid]
}

// Queue exposes the session's unwind queue, for tests asserting footprint
// accounting (spec.md §8).
func (s *Session) Queue() *unwindqueue.Queue { return s.queue }

// BeginShutdown implements spec.md §4.7's ordered stop: mark ShuttingDown
// and disable every reader so the kernel stops producing; subsequent ticks
// drain what's left and eventually trigger the stop cascade.
func (s *Session) BeginShutdown() {
	s.status = StatusShuttingDown
	for _, r := range s.readers {
		if err := r.Disable(); err != nil {
			s.log.Warn().Err(err).Int("cpu", r.CPU()).Msg("failed to disable reader")
		}
	}
}

// Purge implements spec.md §4.7's abrupt purge: emit the guardrail-stop
// packet, flush, and tell the worker to discard this session's queue
// immediately without waiting for a drain.
func (s *Session) Purge() {
	s.writer.Write(tracepacket.GuardrailStopPacket(s.host.Clock().BootNs()))
	s.writer.Flush()
	s.cancelScheduled()
	s.host.Worker().PostPurgeDataSource(s.ID)
	s.host.OnSessionFinished(s.ID, true)
}

func (s *Session) cancelScheduled() {
	if s.tickCancel != nil {
		s.tickCancel()
	}
	if s.clearCancel != nil {
		s.clearCancel()
	}
	if s.guardrailCancel != nil {
		s.guardrailCancel()
	}
	for _, cancel := range s.descriptorCancels {
		cancel()
	}
}

// ClearIncrementalState implements spec.md §4.9 for this session alone:
// re-emit the defaults + fixed-interning packets and clear this session's
// interning history. The shared trie is cleared once by the producer, not
// per-session.
func (s *Session) ClearIncrementalState() {
	s.interns.Clear()
	s.emitDefaultsAndInterning()
}

// scheduleIncrementalClear re-posts itself every UnwindStateClearPeriodMs,
// telling the unwind worker to drop its cached per-process mappings and
// symbol tables each time (spec.md §4.2 step 7). This is distinct from
// ClearIncrementalState (spec.md §4.9): that one is the explicit,
// producer-triggered incremental-state clear that re-emits the defaults +
// fixed-interning packets, and happens at most once per request. This
// periodic task never touches defaults/interning — it only keeps the
// worker's address-space cache from going stale across process exits,
// execs, and re-execs over a long-running session, so it must not also
// produce a defaults packet on every tick (spec.md §8's "Defaults packet is
// emitted exactly once per session start and once per incremental-state
// clear" would otherwise be violated by a periodic re-emit).
func (s *Session) scheduleIncrementalClear() {
	tok := s.token
	period := time.Duration(s.Config.UnwindStateClearPeriodMs) * time.Millisecond
	var schedule func()
	schedule = func() {
		s.clearCancel = s.host.Runner().PostDelayedTask(period, func() {
			if !tok.Valid() {
				return
			}
			s.host.Worker().PostClearCachedUnwindState()
			schedule()
		})
	}
	schedule()
}

func (s *Session) scheduleGuardrail() {
	tok := s.token
	const pollInterval = 1000 * time.Millisecond
	var schedule func()
	schedule = func() {
		s.guardrailCancel = s.host.Runner().PostDelayedTask(pollInterval, func() {
			if !tok.Valid() {
				return
			}
			if s.guardrailTripped() {
				s.Purge()
				if m := s.host.Metrics(); m != nil {
					m.GuardrailTrips.Inc()
				}
				return
			}
			schedule()
		})
	}
	schedule()
}

// guardrailTripped reads the daemon's own RSS and compares it against the
// session's configured ceiling (spec.md §4.10).
func (s *Session) guardrailTripped() bool {
	if s.Config.MaxDaemonMemoryKb == 0 {
		return false
	}
	rssKb, err := readSelfRSSKb()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read self RSS for guardrail check")
		return false
	}
	return rssKb > s.Config.MaxDaemonMemoryKb
}
