package producer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ztlevi/perfetto/internal/config"
	"github.com/ztlevi/perfetto/internal/descriptors"
	"github.com/ztlevi/perfetto/internal/perfconfig"
	"github.com/ztlevi/perfetto/internal/perfreader"
	"github.com/ztlevi/perfetto/internal/session"
	"github.com/ztlevi/perfetto/internal/tracepacket"
	"github.com/ztlevi/perfetto/internal/unwindqueue"
	"github.com/ztlevi/perfetto/internal/unwindworker"
)

func counterSample(pid uint32) unwindqueue.ParsedSample {
	return unwindqueue.ParsedSample{PID: pid, TimestampNs: 1, TimebaseCount: 1}
}

// stackSample builds a sample with a non-nil Regs (so the per-reader drain
// treats it as a user thread, not a kernel worker) and a stack payload
// sized by stackWords 8-byte slots.
func stackSample(pid uint32, stackWords int) unwindqueue.ParsedSample {
	return unwindqueue.ParsedSample{
		PID:           pid,
		TimestampNs:   1,
		TimebaseCount: 1,
		Regs:          []byte{0},
		Stack:         make([]byte, stackWords*8),
	}
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func counterModeConfig() perfconfig.SessionConfig {
	return perfconfig.SessionConfig{
		Clockid: perfconfig.ClockMonotonic,
		Pacing:  perfconfig.SamplePacing{Freq: true, Value: 4},
		Timebase: perfconfig.Timebase{
			Counter: &perfconfig.CounterCode{Type: 1, Config: 0},
		},
		ReadTickPeriodMs:    5,
		SamplesPerTickLimit: 10,
		SampleCallstacks:    false,
	}
}

func newTestProducer(t *testing.T, numCPU int, fakes *[]*perfreader.Fake) *Producer {
	t.Helper()
	w := unwindworker.New()
	g := descriptors.NewReference()
	p := New(w, g, testLogger(), nil,
		WithNumCPU(numCPU),
		WithOpenReader(func(cfg perfconfig.SessionConfig, cpu int, resolvedTracepointID uint64) (perfreader.EventReader, error) {
			f := perfreader.NewFake(cpu)
			*fakes = append(*fakes, f)
			return f, nil
		}),
	)
	t.Cleanup(p.Stop)
	return p
}

func samplePackets(pkts []tracepacket.Packet) []tracepacket.Packet {
	var out []tracepacket.Packet
	for _, p := range pkts {
		if p.PerfSample != nil && p.PerfSample.SampleSkippedReason == tracepacket.SkippedNone && p.PerfSample.SourceStopReason == tracepacket.StopReasonUnspecified && p.PerfSample.KernelRecordsLost == 0 {
			out = append(out, p)
		}
	}
	return out
}

// Scenario 1: open-filter counter mode.
func TestScenarioOpenFilterCounterMode(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 2, &fakes)

	cfg := counterModeConfig()
	id, ok, err := p.StartSession("linux.perf", cfg)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, fakes, 2)

	for _, f := range fakes {
		for i := 0; i < 3; i++ {
			f.Push(counterSample(uint32(100 + i)))
		}
	}

	time.Sleep(100 * time.Millisecond)

	s, ok := p.Session(id)
	require.True(t, ok)
	samples := samplePackets(s.Writer().Packets())
	require.Len(t, samples, 6)
	for _, pkt := range samples {
		require.Nil(t, pkt.PerfSample.CallstackIID)
		require.Nil(t, pkt.InternedData)
	}

	defaultsCount := 0
	for _, pkt := range s.Writer().Packets() {
		if pkt.TracePacketDefaults != nil {
			defaultsCount++
		}
	}
	require.Equal(t, 1, defaultsCount)
}

// Scenario 2: stack mode, rejected pid.
func TestScenarioRejectedPidProducesNoPackets(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 1, &fakes)

	cfg := counterModeConfig()
	cfg.SampleCallstacks = true
	cfg.Filter.ExcludePids = map[int32]struct{}{42: {}}

	id, ok, err := p.StartSession("linux.perf", cfg)
	require.NoError(t, err)
	require.True(t, ok)

	fakes[0].Push(stackSample(42, 7))
	fakes[0].Push(stackSample(7, 7))

	time.Sleep(200 * time.Millisecond)

	s, _ := p.Session(id)
	require.Equal(t, session.ProcessRejected, s.ProcessStatusOf(42))

	for _, pkt := range s.Writer().Packets() {
		if pkt.PerfSample != nil {
			require.NotEqual(t, uint32(42), pkt.PerfSample.PID)
		}
	}
}

// Scenario 3: descriptor timeout expires a resolving pid.
func TestScenarioDescriptorTimeoutExpiresPid(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 1, &fakes)

	cfg := counterModeConfig()
	cfg.SampleCallstacks = true
	cfg.Filter.Pids = map[int32]struct{}{9: {}}
	cfg.DescriptorTimeoutMs = 50

	id, ok, err := p.StartSession("linux.perf", cfg)
	require.NoError(t, err)
	require.True(t, ok)

	fakes[0].Push(stackSample(9, 7))
	time.Sleep(30 * time.Millisecond) // let it become Resolving before the timeout fires

	s, _ := p.Session(id)
	require.Equal(t, session.ProcessResolving, s.ProcessStatusOf(9))

	time.Sleep(80 * time.Millisecond) // past the 50ms timeout
	require.Equal(t, session.ProcessExpired, s.ProcessStatusOf(9))

	fakes[0].Push(stackSample(9, 7))
	time.Sleep(60 * time.Millisecond)

	found := false
	for _, pkt := range s.Writer().Packets() {
		if pkt.PerfSample != nil && pkt.PerfSample.PID == 9 && pkt.PerfSample.SampleSkippedReason == tracepacket.SkippedReadStage {
			found = true
		}
	}
	require.True(t, found, "expected a READ_STAGE skipped packet for the expired pid")
}

// Scenario 4: queue backpressure.
func TestScenarioQueueBackpressure(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 1, &fakes)

	cfg := counterModeConfig()
	cfg.SampleCallstacks = true
	cfg.Filter.Pids = map[int32]struct{}{1: {}, 2: {}, 3: {}}
	cfg.UnwindQueueCapacity = 2

	id, ok, err := p.StartSession("linux.perf", cfg)
	require.NoError(t, err)
	require.True(t, ok)

	// Three distinct pids so none short-circuits via an already-Resolved
	// state; the footprint/slot gate is what's under test.
	fakes[0].Push(stackSample(1, 7))
	fakes[0].Push(stackSample(2, 7))
	fakes[0].Push(stackSample(3, 7))

	time.Sleep(30 * time.Millisecond)

	s, _ := p.Session(id)
	skippedEnqueue := 0
	for _, pkt := range s.Writer().Packets() {
		if pkt.PerfSample != nil && pkt.PerfSample.SampleSkippedReason == tracepacket.SkippedUnwindEnqueue {
			skippedEnqueue++
		}
	}
	require.Equal(t, 1, skippedEnqueue)
}

// Scenario 5: incremental state clear.
func TestScenarioIncrementalStateClear(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 1, &fakes)

	cfg := counterModeConfig()
	id, ok, err := p.StartSession("linux.perf", cfg)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		fakes[0].Push(counterSample(uint32(i)))
	}
	time.Sleep(50 * time.Millisecond)

	s, _ := p.Session(id)
	before := len(s.Writer().Packets())
	require.GreaterOrEqual(t, before, 5)

	p.ClearIncrementalState()

	pkts := s.Writer().Packets()
	last := pkts[len(pkts)-1]
	require.NotNil(t, last.InternedData)

	var lastDefaults tracepacket.Packet
	for _, pkt := range pkts {
		if pkt.TracePacketDefaults != nil {
			lastDefaults = pkt
		}
	}
	require.NotNil(t, lastDefaults.TracePacketDefaults)
}

// Scenario 6: guardrail trip.
func TestScenarioGuardrailTrip(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 1, &fakes)

	cfg := counterModeConfig()
	cfg.MaxDaemonMemoryKb = 1 // any running test process' RSS exceeds 1 KB

	id, ok, err := p.StartSession("linux.perf", cfg)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(1200 * time.Millisecond)

	require.Equal(t, 0, p.SessionCount())

	_, stillThere := p.Session(id)
	require.False(t, stillThere)
}

// on_proc_descriptors with no matching session is a no-op (spec.md §8).
func TestOnProcDescriptorsNoMatchingSessionIsNoop(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 1, &fakes)
	require.NotPanics(t, func() { p.onProcDescriptors(12345, 0, 1, 2) })
}

// Flush always completes immediately regardless of session state.
func TestFlushAlwaysCompletesImmediately(t *testing.T) {
	var fakes []*perfreader.Fake
	p := newTestProducer(t, 1, &fakes)
	done := make(chan struct{})
	p.Flush(func() { close(done) })
	select {
	case <-done:
	default:
		t.Fatal("flush did not complete synchronously")
	}
}

// WithDaemonConfig carries a loaded config.DaemonConfig's backoff and
// startup-delay settings into the Producer's own config.
func TestWithDaemonConfigAppliesBackoffAndStartupDelay(t *testing.T) {
	var fakes []*perfreader.Fake
	w := unwindworker.New()
	g := descriptors.NewReference()
	daemonCfg := config.Default()
	daemonCfg.ConnectMaxBackoff = 5 * time.Second
	daemonCfg.AndroidStartupDelay = 75 * time.Millisecond

	p := New(w, g, testLogger(), nil,
		WithNumCPU(1),
		WithOpenReader(func(cfg perfconfig.SessionConfig, cpu int, resolvedTracepointID uint64) (perfreader.EventReader, error) {
			f := perfreader.NewFake(cpu)
			fakes = append(fakes, f)
			return f, nil
		}),
		WithDaemonConfig(daemonCfg),
	)
	t.Cleanup(p.Stop)

	require.Equal(t, 5*time.Second, p.cfg.connectMaxBackoff)
	require.True(t, p.NeedsStartupDelay())
	require.Equal(t, 75*time.Millisecond, p.AndroidStartupDelay())
}
