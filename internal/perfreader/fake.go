package perfreader

import "github.com/ztlevi/perfetto/internal/unwindqueue"

// Fake is an in-memory EventReader used by the producer tests. Queue
// synthetic samples with Push; ReadUntilSample drains them FIFO.
type Fake struct {
	cpu      int
	samples  []unwindqueue.ParsedSample
	lost     uint64
	enabled  bool
}

// NewFake returns a Fake bound to the given cpu id.
func NewFake(cpu int) *Fake {
	return &Fake{cpu: cpu}
}

// Push enqueues a synthetic sample to be returned by a future
// ReadUntilSample call.
func (f *Fake) Push(s unwindqueue.ParsedSample) {
	s.CPU = uint32(f.cpu)
	f.samples = append(f.samples, s)
}

// PushLost records lost records to be reported on the next ReadUntilSample
// call, matching the real reader's "report since last successful read"
// contract.
func (f *Fake) PushLost(n uint64) { f.lost += n }

func (f *Fake) CPU() int { return f.cpu }

func (f *Fake) Enable() error {
	f.enabled = true
	return nil
}

func (f *Fake) Disable() error {
	f.enabled = false
	return nil
}

// ReadUntilSample returns the next queued sample, if any, reporting
// pending lost-record counts first.
func (f *Fake) ReadUntilSample(lostCb func(lost uint64)) (unwindqueue.ParsedSample, bool) {
	if f.lost > 0 {
		lostCb(f.lost)
		f.lost = 0
	}
	if len(f.samples) == 0 {
		return unwindqueue.ParsedSample{}, false
	}
	s := f.samples[0]
	f.samples = f.samples[1:]
	return s, true
}
