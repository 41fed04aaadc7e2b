package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"github.com/ztlevi/perfetto/internal/metrics"
	"github.com/ztlevi/perfetto/internal/perfconfig"
	"github.com/ztlevi/perfetto/internal/perfreader"
	"github.com/ztlevi/perfetto/internal/taskrunner"
	"github.com/ztlevi/perfetto/internal/trie"
	"github.com/ztlevi/perfetto/internal/unwindqueue"
)

// noopWorker discards every lifecycle call; the property under test only
// cares about processStates transitions, not what the unwind worker does
// with them.
type noopWorker struct{}

func (noopWorker) PostStartDataSource(uint64, *unwindqueue.Queue, bool, unwindqueue.EmitSampleFunc) {}
func (noopWorker) PostFinishDataSourceStop(uint64, func())                                          {}
func (noopWorker) PostPurgeDataSource(uint64)                                                        {}
func (noopWorker) PostRecordTimedOutProcDescriptors(uint64, int32)                                   {}
func (noopWorker) PostAdoptProcDescriptors(uint64, int32, uint32, int, int)                          {}
func (noopWorker) PostClearCachedUnwindState()                                                       {}

// fakeHost is a minimal, real (not mocked) Host: it runs an actual
// taskrunner.Runner and trie.Trie, same as production, but never
// completes a descriptor lookup on its own — tests drive that by calling
// Session.OnDescriptorsResolved directly, exactly as the producer's
// first-fit routing would.
type fakeHost struct {
	runner *taskrunner.Runner
	trie   *trie.Trie
}

func newFakeHost() *fakeHost {
	return &fakeHost{runner: taskrunner.New(64), trie: trie.New()}
}

func (h *fakeHost) Runner() *taskrunner.Runner                { return h.runner }
func (h *fakeHost) Trie() *trie.Trie                          { return h.trie }
func (h *fakeHost) Worker() unwindqueue.Worker                { return noopWorker{} }
func (h *fakeHost) Clock() Clock                              { return fakeClock{} }
func (h *fakeHost) Metrics() *metrics.Metrics                 { return nil }
func (h *fakeHost) Logger() zerolog.Logger                    { return zerolog.Nop() }
func (h *fakeHost) CmdlineFor(int32) (string, bool)           { return "", false }
func (h *fakeHost) RequestDescriptors(int32)                  {}
func (h *fakeHost) NeedsStartupDelay() bool                   { return false }
func (h *fakeHost) AndroidStartupDelay() time.Duration        { return 0 }
func (h *fakeHost) OnSessionFinished(uint64, bool)            {}

type fakeClock struct{}

func (fakeClock) WallMs() uint64 { return 0 }
func (fakeClock) BootNs() uint64 { return 0 }

func newPropertySession(t *rapid.T, host *fakeHost) *Session {
	cfg := perfconfig.SessionConfig{
		Pacing:   perfconfig.SamplePacing{Freq: true, Value: 1},
		Timebase: perfconfig.Timebase{Counter: &perfconfig.CounterCode{Type: 1}},
		// Large enough that the real descriptor-timeout timer this
		// schedules never fires during a single property-check
		// iteration; the test drives timeout/resolve transitions
		// explicitly instead, so that timer firing concurrently would
		// just be racing the test's own direct calls against the same
		// unsynchronized session state (valid in production only
		// because both run on the same task-runner goroutine).
		DescriptorTimeoutMs: 3600_000,
		// Open policy: every pid is admitted, so the property exercises
		// the Resolving/Expired/Resolved machinery rather than Rejected.
	}
	s, err := New(1, cfg, host, taskrunner.Token{}, 0, func(int) (perfreader.EventReader, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

// legalTransitions encodes spec.md §3's pid process-state machine: Initial
// moves to Resolving or Rejected; Resolving moves to Resolved or Expired;
// Expired can still be rescued to Resolved; Resolved and Rejected are
// terminal.
func legalTransitions(from, to ProcessStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case ProcessInitial:
		return to == ProcessResolving || to == ProcessRejected
	case ProcessResolving:
		return to == ProcessResolved || to == ProcessExpired
	case ProcessExpired:
		return to == ProcessResolved
	default: // ProcessResolved, ProcessRejected: terminal
		return false
	}
}

// Across arbitrary sequences of the three pid-state-mutating operations,
// no pid's state ever makes an illegal jump (spec.md §8's "process-state
// transitions are legal under arbitrary operation interleavings").
func TestPropertyPidStateMachineTransitionsAreLegal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		host := newFakeHost()
		defer host.runner.Stop()
		s := newPropertySession(t, host)
		const numPids = 4
		last := make(map[int32]ProcessStatus)
		for p := int32(0); p < numPids; p++ {
			last[p] = ProcessInitial
		}

		steps := rapid.IntRange(0, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			pid := int32(rapid.IntRange(0, numPids-1).Draw(t, "pid"))
			op := rapid.IntRange(0, 2).Draw(t, "op")

			switch op {
			case 0: // a sample arrives for pid
				s.admitForUnwind(unwindqueue.ParsedSample{PID: uint32(pid), Regs: []byte{0}})
			case 1: // its descriptor lookup times out
				s.evaluateDescriptorLookupTimeout(pid)
			case 2: // descriptors resolve for it
				s.OnDescriptorsResolved(pid, 0, -1, -1)
			}

			cur := s.ProcessStatusOf(pid)
			if !legalTransitions(last[pid], cur) {
				t.Fatalf("pid %d: illegal transition %s -> %s", pid, last[pid], cur)
			}
			last[pid] = cur
		}
	})
}
