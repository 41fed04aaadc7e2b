// Program tracedperfd is a demo wiring of the producer-side profiling
// pipeline: it starts one session against a single target pid, using a
// reference descriptor getter and unwind worker in place of the real
// privileged-helper/unwinder collaborators (out of scope per spec.md §1),
// and prints the trace packets it would have shipped to the tracing
// service (the actual IPC transport is out of scope too).
//
// It is not a production daemon — see the teacher's cmd/profiler3 for the
// equivalent "one binary, one demo run" shape this follows.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ztlevi/perfetto/internal/config"
	"github.com/ztlevi/perfetto/internal/descriptors"
	"github.com/ztlevi/perfetto/internal/metrics"
	"github.com/ztlevi/perfetto/internal/perfconfig"
	"github.com/ztlevi/perfetto/internal/perfreader"
	"github.com/ztlevi/perfetto/internal/producer"
	"github.com/ztlevi/perfetto/internal/tplog"
	"github.com/ztlevi/perfetto/internal/unwindworker"
)

func main() {
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	pid := flag.Int("pid", 0, "PID to profile")
	hz := flag.Uint64("hz", 100, "sampling frequency in Hz")
	duration := flag.Duration("wait", 10*time.Second, "how long to run the session before stopping it")
	configPath := flag.String("config", "", "path to a YAML DaemonConfig (defaults applied if unset)")
	flag.Parse()

	if *pid == 0 {
		fmt.Fprintln(os.Stderr, "tracedperfd: -pid is required")
		return
	}

	daemonCfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tracedperfd: %v\n", err)
			return
		}
		daemonCfg = loaded
	}

	logger := tplog.New(os.Stderr, zerolog.InfoLevel)
	worker := unwindworker.New()
	getter := descriptors.NewReference()

	mapsFD, memFD := openProcDescriptors(*pid)
	if mapsFD < 0 {
		logger.Error().Int("pid", *pid).Msg("failed to open /proc/<pid>/maps for reference getter registration")
		return
	}
	getter.Register(int32(*pid), uint32(os.Getuid()), mapsFD, memFD)

	var tracefs *perfreader.TracefsResolver
	p := producer.New(worker, getter, logger, metrics.New(nil),
		producer.WithOpenReader(func(cfg perfconfig.SessionConfig, cpu int, resolvedTracepointID uint64) (perfreader.EventReader, error) {
			const perCPUBufferPages = 64
			return perfreader.Open(cfg, cpu, resolvedTracepointID, perCPUBufferPages)
		}),
		producer.WithResolveTracepoint(func(spec perfconfig.TracepointSpec) (uint64, error) {
			if tracefs == nil {
				tracefs = perfreader.NewTracefsResolver()
			}
			return tracefs.Resolve(spec)
		}),
		producer.WithDaemonConfig(daemonCfg),
	)

	cfg := perfconfig.SessionConfig{
		Clockid: perfconfig.ClockMonotonic,
		Pacing:  perfconfig.SamplePacing{Freq: true, Value: *hz},
		Timebase: perfconfig.Timebase{
			Name:    "cpu-clock",
			Counter: &perfconfig.CounterCode{Type: 1 /* PERF_TYPE_SOFTWARE */, Config: 0 /* PERF_COUNT_SW_CPU_CLOCK */},
		},
		Filter:                    perfconfig.TargetFilter{Pids: map[int32]struct{}{int32(*pid): {}}},
		ReadTickPeriodMs:          100,
		SamplesPerTickLimit:       1000,
		MaxEnqueuedFootprintBytes: 1 << 20,
		SampleCallstacks:          true,
		DescriptorTimeoutMs:       1000,
	}

	id, ok, err := p.StartSession("linux.perf", cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start session")
		return
	}
	if !ok {
		logger.Error().Msg("session start unexpectedly no-op'd")
		return
	}

	time.Sleep(*duration)

	// Keep the handle: once the ordered stop finishes, the producer drops
	// the session from its map and Session(id) no longer finds it.
	s, _ := p.Session(id)
	p.StopSession(id)
	time.Sleep(200 * time.Millisecond) // let the ordered stop drain

	for _, pkt := range s.Writer().Packets() {
		fmt.Printf("%+v\n", pkt)
	}

	p.Stop()
	exitCode = 0
}

func openProcDescriptors(pid int) (mapsFD, memFD int) {
	mf, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return -1, -1
	}
	mm, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		mf.Close()
		return -1, -1
	}
	return int(mf.Fd()), int(mm.Fd())
}
