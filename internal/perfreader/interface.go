package perfreader

import "github.com/ztlevi/perfetto/internal/unwindqueue"

// EventReader is the per-CPU reader interface session.Session drains on
// every read tick (spec.md §2, §4.4). It has no build tag: the real,
// perf_event_open-backed implementation (Reader, in reader.go) is
// Linux-only, but the interface itself and the in-memory Fake
// implementation (fake.go) are portable, so tests can run on any host.
type EventReader interface {
	// ReadUntilSample pulls one sample, reporting any records lost since
	// the last successful read via lostCb before returning. ok is false
	// when the ring is currently empty.
	ReadUntilSample(lostCb func(lost uint64)) (sample unwindqueue.ParsedSample, ok bool)
	Enable() error
	Disable() error
	CPU() int
}
