// Package interning tracks, per session, which interning ids (from the
// shared trie) have already been emitted on that session's packet
// sequence, so emit_sample only writes interned_data the first time a given
// session's reader would need it (spec.md §3 "Per-session Interning
// Tracker", §4.8, §4.9).
package interning

import "github.com/ztlevi/perfetto/internal/tracepacket"

// Tracker remembers which callstack ids this session has already emitted
// interned_data for.
type Tracker struct {
	emitted map[uint64][]tracepacket.Frame
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{emitted: map[uint64][]tracepacket.Frame{}}
}

// NeedsInterning reports whether iid has not yet been emitted on this
// session's sequence, and if so records it as emitted (the frames are
// stored alongside the id; nothing reads them back).
func (t *Tracker) NeedsInterning(iid uint64, frames []tracepacket.Frame) bool {
	if _, ok := t.emitted[iid]; ok {
		return false
	}
	t.emitted[iid] = frames
	return true
}

// Clear forgets all emitted ids, used on incremental-state clear (spec.md
// §4.9): the session's next emit will re-intern everything it references.
// The shared trie is not touched by this call, and its ids keep growing
// even across Trie.Clear.
func (t *Tracker) Clear() {
	t.emitted = map[uint64][]tracepacket.Frame{}
}

// FixedInterningPacket builds the packet the session emits right after the
// defaults packet on start and on incremental-state clear (spec.md §4.2
// step 6, §4.9): an interned_data-only packet marked
// SEQ_NEEDS_INCREMENTAL_STATE, carrying no callstacks yet (none have been
// seen), just establishing the sequence's incremental-state baseline.
func FixedInterningPacket() tracepacket.Packet {
	return tracepacket.Packet{
		SequenceFlags: tracepacket.SeqNeedsIncrementalState,
		InternedData:  &tracepacket.InternedData{},
	}
}
