//go:build linux

package perfreader

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ztlevi/perfetto/internal/perfconfig"
)

// tracefsRoot is overridable in tests.
var tracefsRoot = "/sys/kernel/debug/tracing"

// TracefsResolver resolves tracepoint (group, name) pairs to their numeric
// perf_event id, created lazily on first use and shared across sessions for
// the producer's lifetime (spec.md §4.2 step 3; SPEC_FULL.md "SUPPLEMENTED
// FEATURES" #2 notes the cache is producer-wide, not per-session, matching
// perf_producer.cc).
type TracefsResolver struct {
	mu    sync.Mutex
	cache map[string]uint64
}

// NewTracefsResolver returns an empty resolver. Construct exactly one per
// producer and share it across sessions.
func NewTracefsResolver() *TracefsResolver {
	return &TracefsResolver{cache: map[string]uint64{}}
}

// Resolve returns the numeric tracepoint id for (group, name), reading
// tracefs's per-event "id" file the first time a given pair is requested.
func (t *TracefsResolver) Resolve(spec perfconfig.TracepointSpec) (uint64, error) {
	key := spec.Group + "/" + spec.Name
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.cache[key]; ok {
		return id, nil
	}

	path := fmt.Sprintf("%s/events/%s/%s/id", tracefsRoot, spec.Group, spec.Name)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("perfreader: read tracepoint id %s: %w", key, err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("perfreader: parse tracepoint id %s: %w", key, err)
	}
	t.cache[key] = id
	return id, nil
}
