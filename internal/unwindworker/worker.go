// Package unwindworker provides a reference implementation of the
// out-of-scope "Unwind Worker" external collaborator (spec.md §2): it
// consumes the producer's bounded SPSC queue on its own goroutine, resolves
// frames from the process's /proc/<pid>/maps and raw stack bytes, and posts
// CompletedSample back via the callback registered at session start.
//
// A real deployment's unwinder does DWARF/frame-pointer stack walking
// against /proc/<pid>/mem; this reference implementation instead treats the
// raw stack bytes as already being a list of return addresses (adequate for
// tests and the demo binary), and spends its real effort on the part the
// teacher (marselester-diy-parca-agent) actually demonstrates: resolving a
// memory address to a function name via the process's ELF symbol table, a
// direct adaptation of cmd/addr2func's Addr2FuncName binary search, and
// parsing /proc/<pid>/maps via github.com/google/pprof/profile.ParseProcMaps
// the way the teacher's cmd/profiler2 and cmd/profiler3 do.
package unwindworker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/ztlevi/perfetto/internal/unwindqueue"
)

// symbolizer resolves addresses within one mapped ELF segment to function
// names, a direct port of the teacher's cmd/addr2func symbolizer.
type symbolizer struct {
	symbols       []elf.Symbol
	segmentOffset uint64
	memoryStart   uint64
	isPIE         bool
}

func newSymbolizer(f *elf.File, fileOffset, memoryStart uint64) (*symbolizer, error) {
	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("unwindworker: symbols: %w", err)
	}
	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Value < symbols[j].Value })

	var segment elf.ProgHeader
	found := false
	for i := range f.Progs {
		if f.Progs[i].Off == fileOffset {
			segment = f.Progs[i].ProgHeader
			found = true
			break
		}
	}
	if !found || segment.Type != elf.PT_LOAD {
		return nil, fmt.Errorf("unwindworker: loadable segment not found at offset %x", fileOffset)
	}

	return &symbolizer{
		symbols:       symbols,
		segmentOffset: segment.Off,
		memoryStart:   memoryStart,
		isPIE:         segment.Vaddr == segment.Off,
	}, nil
}

// addr2FuncName binary-searches the sorted symbol table for the function
// containing addr, exactly as cmd/addr2func.symbolizer.Addr2FuncName did.
func (s *symbolizer) addr2FuncName(addr uint64) string {
	const notFound = "?"
	if addr == 0 {
		return notFound
	}
	if s.isPIE {
		if addr < s.memoryStart {
			return notFound
		}
		addr = s.segmentOffset + (addr - s.memoryStart)
	}

	i := sort.Search(len(s.symbols), func(i int) bool { return s.symbols[i].Value >= addr })
	if i >= len(s.symbols) {
		return notFound
	}
	if s.symbols[i].Value == addr {
		return s.symbols[i].Name
	}
	if i >= 1 && s.symbols[i-1].Value > 0 {
		return s.symbols[i-1].Name
	}
	return notFound
}

// procSymbols caches, per pid, the mappings and per-mapping symbolizer
// built from its maps/mem descriptors.
type procSymbols struct {
	mappings []*profile.Mapping
	symz     map[string]*symbolizer // keyed by mapping.File
}

// Worker is the reference UnwindWorker.
type Worker struct {
	mu       sync.Mutex
	sessions map[uint64]*sessionState
	procs    map[int32]*procSymbols
	timedOut map[int32]bool
}

type sessionState struct {
	queue        *unwindqueue.Queue
	kernelFrames bool
	emit         unwindqueue.EmitSampleFunc
	stop         chan struct{}
	stopped      sync.WaitGroup
	purged       bool // set before stop is closed; skips the final drain
}

// New returns an idle Worker; its consumer goroutines (one per session) are
// spawned by PostStartDataSource.
func New() *Worker {
	return &Worker{
		sessions: map[uint64]*sessionState{},
		procs:    map[int32]*procSymbols{},
		timedOut: map[int32]bool{},
	}
}

// PostStartDataSource starts a consumer goroutine for sessionID's queue.
func (w *Worker) PostStartDataSource(sessionID uint64, queue *unwindqueue.Queue, kernelFrames bool, emit unwindqueue.EmitSampleFunc) {
	w.mu.Lock()
	st := &sessionState{queue: queue, kernelFrames: kernelFrames, emit: emit, stop: make(chan struct{})}
	w.sessions[sessionID] = st
	w.mu.Unlock()

	st.stopped.Add(1)
	go w.consume(sessionID, st)
}

func (w *Worker) consume(sessionID uint64, st *sessionState) {
	defer st.stopped.Done()
	for {
		select {
		case <-st.stop:
			if !st.purged {
				w.drainOnce(sessionID, st)
			}
			return
		default:
		}
		e, ok := st.queue.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		w.process(sessionID, st, e)
	}
}

func (w *Worker) drainOnce(sessionID uint64, st *sessionState) {
	for {
		e, ok := st.queue.Pop()
		if !ok {
			return
		}
		w.process(sessionID, st, e)
	}
}

func (w *Worker) process(sessionID uint64, st *sessionState, e unwindqueue.UnwindEntry) {
	st.queue.ReleaseFootprint(uint64(len(e.Sample.Stack)))

	w.mu.Lock()
	skipForTimeout := w.timedOut[int32(e.Sample.PID)]
	w.mu.Unlock()
	if skipForTimeout {
		// spec.md §4.4/§4.6: already-enqueued samples for an Expired pid
		// are discarded even if descriptors later arrive.
		return
	}

	frames, errCode := w.resolve(int32(e.Sample.PID), e.Sample.Stack)
	st.emit(unwindqueue.CompletedSample{
		SessionID:     sessionID,
		CPU:           e.Sample.CPU,
		PID:           e.Sample.PID,
		TID:           e.Sample.TID,
		TimestampNs:   e.Sample.TimestampNs,
		CPUMode:       e.Sample.CPUMode,
		TimebaseCount: e.Sample.TimebaseCount,
		Frames:        frames,
		UnwindError:   errCode,
	})
}

// resolve walks the raw stack as a list of little-endian u64 return
// addresses (a simplification of real frame-pointer/DWARF unwinding) and
// symbolizes each one against pid's cached mappings.
func (w *Worker) resolve(pid int32, stack []byte) ([]unwindqueue.Frame, int) {
	ps, err := w.procForPID(pid)
	if err != nil {
		return nil, 1 // UNWIND_ERROR_MAPS_PARSING equivalent, see tracepacket.MapUnwindError
	}

	var frames []unwindqueue.Frame
	r := bytes.NewReader(stack)
	for {
		var addr uint64
		if err := binary.Read(r, binary.LittleEndian, &addr); err != nil {
			break
		}
		if addr == 0 {
			continue
		}
		m := mappingForAddr(ps.mappings, addr)
		if m == nil {
			frames = append(frames, unwindqueue.Frame{FunctionName: "?", RelPC: addr})
			continue
		}
		sym, ok := ps.symz[m.File]
		name := "?"
		if ok {
			name = sym.addr2FuncName(addr)
		}
		frames = append(frames, unwindqueue.Frame{FunctionName: name, MappingName: m.File, RelPC: addr - m.Start})
	}
	return frames, 0
}

func mappingForAddr(mappings []*profile.Mapping, addr uint64) *profile.Mapping {
	for _, m := range mappings {
		if m.Start <= addr && addr < m.Limit {
			return m
		}
	}
	return nil
}

// procForPID lazily parses pid's /proc/<pid>/maps (the way the teacher's
// cmd/profiler2/cmd/profiler3 open and parse it with
// profile.ParseProcMaps) and caches the per-mapping ELF symbolizer.
func (w *Worker) procForPID(pid int32) (*procSymbols, error) {
	w.mu.Lock()
	if ps, ok := w.procs[pid]; ok {
		w.mu.Unlock()
		return ps, nil
	}
	w.mu.Unlock()

	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unwindworker: open %s: %w", path, err)
	}
	defer f.Close()

	mm, err := profile.ParseProcMaps(f)
	if err != nil {
		return nil, fmt.Errorf("unwindworker: parse %s: %w", path, err)
	}

	ps := &procSymbols{mappings: mm, symz: map[string]*symbolizer{}}
	for _, m := range mm {
		if m.File == "" {
			continue
		}
		ef, err := elf.Open(m.File)
		if err != nil {
			continue // e.g. anonymous/vdso mappings: no ELF to symbolize
		}
		sym, err := newSymbolizer(ef, m.Offset, m.Start)
		ef.Close()
		if err != nil {
			continue
		}
		ps.symz[m.File] = sym
	}

	w.mu.Lock()
	w.procs[pid] = ps
	w.mu.Unlock()
	return ps, nil
}

// PostFinishDataSourceStop drains sessionID's remaining queue entries, then
// calls onStopped and forgets the session (spec.md §4.7 "ordered stop").
func (w *Worker) PostFinishDataSourceStop(sessionID uint64, onStopped func()) {
	w.mu.Lock()
	st, ok := w.sessions[sessionID]
	delete(w.sessions, sessionID)
	w.mu.Unlock()
	if !ok {
		return
	}
	close(st.stop)
	go func() {
		st.stopped.Wait()
		onStopped()
	}()
}

// PostPurgeDataSource discards sessionID's queue without draining (spec.md
// §4.7 "abrupt purge").
func (w *Worker) PostPurgeDataSource(sessionID uint64) {
	w.mu.Lock()
	st, ok := w.sessions[sessionID]
	delete(w.sessions, sessionID)
	w.mu.Unlock()
	if !ok {
		return
	}
	st.purged = true
	close(st.stop)
	go st.stopped.Wait()
}

// PostRecordTimedOutProcDescriptors marks pid as expired so in-flight and
// future queue entries for it are discarded (spec.md §4.6). The marker is
// shared by all sessions, and discarded entries are dropped silently: no
// UNWIND_STAGE skipped sample is handed back for them.
func (w *Worker) PostRecordTimedOutProcDescriptors(sessionID uint64, pid int32) {
	w.mu.Lock()
	w.timedOut[pid] = true
	w.mu.Unlock()
}

// PostAdoptProcDescriptors clears pid's timed-out marker (a late rescue,
// spec.md §3 Expired→Resolved). It does not read the delivered descriptors
// or touch the proc cache; resolve still opens /proc/<pid>/maps by path.
func (w *Worker) PostAdoptProcDescriptors(sessionID uint64, pid int32, uid uint32, mapsFD, memFD int) {
	w.mu.Lock()
	delete(w.timedOut, pid)
	w.mu.Unlock()
}

// PostClearCachedUnwindState drops every pid's cached mappings and
// symbolizers, forcing the next resolve for each to re-parse
// /proc/<pid>/maps from scratch.
func (w *Worker) PostClearCachedUnwindState() {
	w.mu.Lock()
	w.procs = map[int32]*procSymbols{}
	w.mu.Unlock()
}
