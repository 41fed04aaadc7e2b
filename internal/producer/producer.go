// Package producer implements the producer-side control plane spec.md §2
// describes: the connection state machine, the session map and first-fit
// descriptor routing across it, start/stop/purge orchestration, and the
// shared callstack trie's incremental-state-clear fan-out.
//
// A Producer drives exactly one internal/taskrunner.Runner goroutine; every
// exported method here either already runs on that goroutine (when called
// from a Session callback) or posts onto it before touching any field.
package producer

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	daemonconfig "github.com/ztlevi/perfetto/internal/config"
	"github.com/ztlevi/perfetto/internal/descriptors"
	"github.com/ztlevi/perfetto/internal/metrics"
	"github.com/ztlevi/perfetto/internal/perfconfig"
	"github.com/ztlevi/perfetto/internal/perfreader"
	"github.com/ztlevi/perfetto/internal/session"
	"github.com/ztlevi/perfetto/internal/taskrunner"
	"github.com/ztlevi/perfetto/internal/tracepacket"
	"github.com/ztlevi/perfetto/internal/trie"
	"github.com/ztlevi/perfetto/internal/unwindqueue"
)

// ConnState is the producer's connection lifecycle (spec.md §4.1).
type ConnState int

const (
	NotStarted ConnState = iota
	NotConnected
	Connecting
	Connected
	Disconnected
)

func (c ConnState) String() string {
	switch c {
	case NotStarted:
		return "NotStarted"
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Dialer abstracts the service connection so tests don't need a real
// socket; Connect either returns a live Conn or an error to retry after.
type Dialer interface {
	Connect() (Conn, error)
}

// Conn is the minimal surface the producer needs from a service
// connection: registering this producer's data sources and detecting
// disconnection. The actual IPC wire protocol is out of scope (spec.md
// §1's Non-goals).
type Conn interface {
	RegisterDataSource(name string) error
	Closed() <-chan struct{}
	Close() error
}

// wallClock adapts time.Now/ a monotonic boot-time read to session.Clock.
type wallClock struct{ bootEpoch time.Time }

func newWallClock() wallClock { return wallClock{bootEpoch: time.Now()} }

func (w wallClock) WallMs() uint64 { return uint64(time.Now().UnixMilli()) }
func (w wallClock) BootNs() uint64 { return uint64(time.Since(w.bootEpoch).Nanoseconds()) }

// numCPUFunc lets tests fix the CPU count instead of reading the host's.
type numCPUFunc func() int

// Producer is the top-level control-plane object: one per daemon process.
type Producer struct {
	runner  *taskrunner.Runner
	gen     taskrunner.Generation
	trie    *trie.Trie
	worker  unwindqueue.Worker
	getter  descriptors.Getter
	dialer  Dialer
	clock   wallClock
	metrics *metrics.Metrics
	log     zerolog.Logger
	numCPU  numCPUFunc
	openReader func(cfg perfconfig.SessionConfig, cpu int, resolvedTracepointID uint64) (perfreader.EventReader, error)
	resolveTracepoint func(spec perfconfig.TracepointSpec) (uint64, error)
	cmdlineFor func(pid int32) (string, bool)

	cfg config

	state ConnState
	conn  Conn
	backoff time.Duration

	sessions   map[uint64]*session.Session
	order      []uint64 // insertion order, for first-fit descriptor routing (spec.md §4.6)
	nextID     uint64
}

type config struct {
	connectInitialBackoff time.Duration
	connectMaxBackoff     time.Duration
	androidStartupDelay   time.Duration
	needsStartupDelay     bool
}

// Option configures a Producer at construction time.
type Option func(*Producer)

// WithDialer overrides the service dialer (tests use an in-memory fake).
func WithDialer(d Dialer) Option { return func(p *Producer) { p.dialer = d } }

// WithNumCPU overrides the per-session reader fan-out count (tests use a
// small fixed number instead of runtime.NumCPU()).
func WithNumCPU(n int) Option { return func(p *Producer) { p.numCPU = func() int { return n } } }

// WithOpenReader overrides how a Session's per-CPU readers are constructed
// (tests inject perfreader.Fake instead of perfreader.Open).
func WithOpenReader(fn func(cfg perfconfig.SessionConfig, cpu int, resolvedTracepointID uint64) (perfreader.EventReader, error)) Option {
	return func(p *Producer) { p.openReader = fn }
}

// WithResolveTracepoint overrides tracefs resolution (tests can stub it).
func WithResolveTracepoint(fn func(spec perfconfig.TracepointSpec) (uint64, error)) Option {
	return func(p *Producer) { p.resolveTracepoint = fn }
}

// WithCmdlineLookup overrides how pids are resolved to cmdlines for the
// target filter (spec.md §4.5 step 1).
func WithCmdlineLookup(fn func(pid int32) (string, bool)) Option {
	return func(p *Producer) { p.cmdlineFor = fn }
}

// WithDaemonConfig applies a loaded config.DaemonConfig's connection
// backoff schedule and startup-delay setting, the way a real daemon's
// main() wires its YAML-loaded settings into the Producer it constructs.
func WithDaemonConfig(c daemonconfig.DaemonConfig) Option {
	return func(p *Producer) {
		p.cfg.connectInitialBackoff = c.ConnectInitialBackoff
		p.cfg.connectMaxBackoff = c.ConnectMaxBackoff
		if c.AndroidStartupDelay > 0 {
			p.cfg.needsStartupDelay = true
			p.cfg.androidStartupDelay = c.AndroidStartupDelay
		}
	}
}

// WithStartupDelay forces the Android-style descriptor-lookup grace period
// on, for tests exercising that path on a non-Android host.
func WithStartupDelay(d time.Duration) Option {
	return func(p *Producer) {
		p.cfg.needsStartupDelay = true
		p.cfg.androidStartupDelay = d
	}
}

// New constructs a Producer. worker and getter are the external
// collaborators (spec.md §2); metricsReg may be nil, in which case nothing
// reports metrics.
func New(worker unwindqueue.Worker, getter descriptors.Getter, logger zerolog.Logger, metricsReg *metrics.Metrics, opts ...Option) *Producer {
	p := &Producer{
		runner:  taskrunner.New(256),
		trie:    trie.New(),
		worker:  worker,
		getter:  getter,
		clock:   newWallClock(),
		metrics: metricsReg,
		log:     logger,
		sessions: map[uint64]*session.Session{},
		state:   NotStarted,
		cfg: config{
			connectInitialBackoff: 100 * time.Millisecond,
			connectMaxBackoff:     30 * time.Second,
		},
	}
	p.numCPU = runtime.NumCPU
	p.openReader = func(cfg perfconfig.SessionConfig, cpu int, resolvedTracepointID uint64) (perfreader.EventReader, error) {
		return nil, fmt.Errorf("producer: no openReader configured")
	}
	p.resolveTracepoint = func(spec perfconfig.TracepointSpec) (uint64, error) { return 0, nil }
	p.cmdlineFor = func(pid int32) (string, bool) { return "", false }

	for _, opt := range opts {
		opt(p)
	}
	p.backoff = p.cfg.connectInitialBackoff
	return p
}

// Runner, Trie, Worker, Clock, Metrics, Logger, CmdlineFor, RequestDescriptors,
// NeedsStartupDelay, AndroidStartupDelay, OnSessionFinished implement
// session.Host.
func (p *Producer) Runner() *taskrunner.Runner { return p.runner }
func (p *Producer) Trie() *trie.Trie           { return p.trie }
func (p *Producer) Worker() unwindqueue.Worker { return p.worker }
func (p *Producer) Clock() session.Clock       { return p.clock }
func (p *Producer) Metrics() *metrics.Metrics  { return p.metrics }
func (p *Producer) Logger() zerolog.Logger     { return p.log }

func (p *Producer) CmdlineFor(pid int32) (string, bool) { return p.cmdlineFor(pid) }

// NeedsStartupDelay answers true if either the configured override
// (WithStartupDelay/WithDaemonConfig, for platforms the getter can't probe)
// or the Getter itself (spec.md §2's actual reporter of the platform's
// descriptor-lookup grace period) says a delay is required.
func (p *Producer) NeedsStartupDelay() bool {
	return p.cfg.needsStartupDelay || p.getter.NeedsStartupDelay()
}
func (p *Producer) AndroidStartupDelay() time.Duration { return p.cfg.androidStartupDelay }

// RequestDescriptors kicks off an async descriptor lookup via the
// configured Getter; the callback routes first-fit across waiting
// sessions once it (maybe) fires (spec.md §4.6).
func (p *Producer) RequestDescriptors(pid int32) {
	p.getter.Request(pid, func(pid int32, uid uint32, mapsFD, memFD int) {
		p.runner.PostTask(func() { p.onProcDescriptors(pid, uid, mapsFD, memFD) })
	})
}

// OnSessionFinished erases a fully torn down session from the map. When it
// was the last one, the shared trie is cleared as well.
func (p *Producer) OnSessionFinished(sessionID uint64, purged bool) {
	delete(p.sessions, sessionID)
	for i, id := range p.order {
		if id == sessionID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if len(p.sessions) == 0 {
		p.trie.Clear()
	}
	if p.metrics != nil {
		p.metrics.SessionsActive.Set(float64(len(p.sessions)))
	}
	p.log.Info().Uint64("session_id", sessionID).Bool("purged", purged).Msg("session finished")
}

// onProcDescriptors implements spec.md §4.6's first-fit routing: the first
// session (in insertion order) that is waiting for pid and authorizes uid
// adopts it. Every other waiting session is left alone — this pid simply
// never resolves for them, exactly as if the getter had never answered.
func (p *Producer) onProcDescriptors(pid int32, uid uint32, mapsFD, memFD int) {
	for _, id := range p.order {
		s, ok := p.sessions[id]
		if !ok || !s.IsWaitingFor(pid) || !s.IsAuthorizedFor(uid) {
			continue
		}
		s.OnDescriptorsResolved(pid, uid, mapsFD, memFD)
		return
	}
}

// metatraceSourceName is the second data-source descriptor's name
// (spec.md §4.1, §4.2 step 1); the metatrace writer itself is out of
// scope, so StartSession just recognizes and no-ops it rather than
// erroring, matching "start a metatrace writer... and return".
const metatraceSourceName = "linux.perf.metatrace"

// StartSession implements spec.md §4.2: recognize the metatrace source
// name and no-op, require "linux.perf" otherwise, parse + validate cfg,
// resolve any tracepoint timebase, construct a Session with one reader per
// CPU, insert it into the map, and start it. The returned id is what
// Session/StopSession/PurgeSession key on. ok is false for the metatrace no-op case, in which
// no session was created and id is zero.
func (p *Producer) StartSession(name string, cfg perfconfig.SessionConfig) (id uint64, ok bool, err error) {
	if name == metatraceSourceName {
		p.log.Debug().Msg("metatrace data source start, no-op")
		return 0, false, nil
	}
	if name != "linux.perf" {
		return 0, false, fmt.Errorf("producer: unknown data source name %q", name)
	}

	var resolvedTracepointID uint64
	if cfg.Timebase.Tracepoint != nil {
		tpID, tpErr := p.resolveTracepoint(*cfg.Timebase.Tracepoint)
		if tpErr != nil {
			return 0, false, fmt.Errorf("producer: resolve tracepoint: %w", tpErr)
		}
		resolvedTracepointID = tpID
	}

	p.nextID++
	id = p.nextID
	token := p.gen.NewToken()

	s, sErr := session.New(id, cfg, p, token, p.numCPU(), func(cpu int) (perfreader.EventReader, error) {
		return p.openReader(cfg, cpu, resolvedTracepointID)
	})
	if sErr != nil {
		p.log.Warn().Uint64("session_id", id).Err(sErr).Msg("session config rejected, no session created")
		p.nextID--
		return 0, false, sErr
	}

	p.sessions[id] = s
	p.order = append(p.order, id)
	if p.metrics != nil {
		p.metrics.SessionsActive.Set(float64(len(p.sessions)))
	}

	s.Start()
	p.log.Info().Uint64("session_id", id).Msg("session started")
	return id, true, nil
}

// StopSession begins the ordered stop (drain-then-stop) path for id
// (spec.md §4.7). It is a no-op if id is unknown.
func (p *Producer) StopSession(id uint64) {
	if s, ok := p.sessions[id]; ok {
		s.BeginShutdown()
	}
}

// PurgeSession performs the abrupt purge path for id (spec.md §4.7),
// typically driven by the session's own guardrail but also exposed here
// for an operator-triggered equivalent.
func (p *Producer) PurgeSession(id uint64) {
	if s, ok := p.sessions[id]; ok {
		s.Purge()
	}
}

// ClearIncrementalState implements spec.md §4.9's fan-out: every active
// session re-emits its defaults + fixed-interning packets and clears its
// own interning history, then the shared trie itself is cleared once.
// Clearing the trie after every session has already re-baselined means no
// session can reference a pre-clear id it failed to re-establish first.
func (p *Producer) ClearIncrementalState() {
	for _, id := range p.order {
		if s, ok := p.sessions[id]; ok {
			s.ClearIncrementalState()
		}
	}
	p.trie.Clear()
}

// Flush acknowledges a flush request with a no-op: every packet this
// producer writes is already appended synchronously to its session's
// TraceWriter, so there is nothing buffered to flush (spec.md §7, §9).
func (p *Producer) Flush(ack func()) { ack() }

// Session exposes a started session by id, for tests asserting against
// its Writer()/ProcessStatusOf()/Queue().
func (p *Producer) Session(id uint64) (*session.Session, bool) {
	s, ok := p.sessions[id]
	return s, ok
}

// SessionCount reports how many sessions are currently tracked.
func (p *Producer) SessionCount() int { return len(p.sessions) }

// Packets returns the concatenation of every tracked session's written
// packets, in session-insertion order, each session's own sequence intact
// internally (spec.md doesn't mandate a merged global order; tests that
// care about one session's sequence should use Session(id).Writer()
// directly).
func (p *Producer) Packets() []tracepacket.Packet {
	var all []tracepacket.Packet
	for _, id := range p.order {
		if s, ok := p.sessions[id]; ok {
			all = append(all, s.Writer().Packets()...)
		}
	}
	return all
}

// Stop tears down the runner goroutine and invalidates every outstanding
// Token, so any already-posted closures referencing torn-down sessions
// become no-ops instead of touching freed state.
func (p *Producer) Stop() {
	p.gen.Invalidate()
	p.runner.Stop()
}

// teardownAndReconstruct implements spec.md §4.1's Connected->Disconnected
// edge: every session is lost, as if the producer had just been
// constructed. gen.Invalidate() neutralizes any closure a session already
// posted (ticks, descriptor callbacks, scheduled clears/guardrails) before
// the map itself is dropped, so none of them can observe or resurrect the
// state this clears. The reset is posted through the runner like any other
// mutation of sessions/order/trie; Connect resumes connect-with-retries
// immediately after calling this, it does not wait for the posted task.
func (p *Producer) teardownAndReconstruct() {
	p.gen.Invalidate()
	p.runner.PostTask(func() {
		p.sessions = map[uint64]*session.Session{}
		p.order = nil
		p.trie.Clear()
		if p.metrics != nil {
			p.metrics.SessionsActive.Set(0)
		}
		p.log.Warn().Msg("connection lost, tearing down producer state")
	})
}
