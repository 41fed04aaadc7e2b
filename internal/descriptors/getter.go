// Package descriptors defines the DescriptorGetter external collaborator
// (spec.md §2, §4.6): an async channel for requesting (maps_fd, mem_fd) for
// a pid, plus a reference in-memory implementation used by tests and the
// demo binary. The real implementation talks to a privileged helper and is
// out of scope per spec.md §1.
package descriptors

import "sync"

// Callback is how a Getter eventually delivers descriptors, or never does
// (a timeout is the producer's problem, not the getter's). uid is the
// owning user of the process, used by the producer's authorization check.
type Callback func(pid int32, uid uint32, mapsFD, memFD int)

// Getter is the external collaborator. NeedsStartupDelay reports whether
// this platform requires deferring the actual request by a fixed grace
// period to avoid racing execve's signal-handler reinstallation (spec.md
// §4.6). Reference always reports false. The producer delays lookups when
// either its Getter reports true or its own configuration forces a delay
// (WithStartupDelay/WithDaemonConfig).
type Getter interface {
	NeedsStartupDelay() bool
	Request(pid int32, cb Callback)
}

// Reference is a test/demo Getter backed by an in-memory registry: call
// Register to make a pid resolvable, and Request will deliver on a new
// goroutine. It never needs a startup delay.
type Reference struct {
	mu   sync.Mutex
	regs map[int32]registration
}

type registration struct {
	uid            uint32
	mapsFD, memFD  int
}

// NewReference returns an empty Reference getter.
func NewReference() *Reference {
	return &Reference{regs: map[int32]registration{}}
}

// Register makes pid resolvable by a future Request call with the given
// uid and fds.
func (r *Reference) Register(pid int32, uid uint32, mapsFD, memFD int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[pid] = registration{uid: uid, mapsFD: mapsFD, memFD: memFD}
}

// Unregister removes a pid so future requests for it never resolve,
// modeling a process that exited before its descriptors could be fetched.
func (r *Reference) Unregister(pid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, pid)
}

func (r *Reference) NeedsStartupDelay() bool { return false }

// Request delivers asynchronously, on a new goroutine, if pid is registered;
// otherwise it never calls back, modeling a lookup that simply never
// resolves (the producer's descriptor timeout is what bounds this in
// practice).
func (r *Reference) Request(pid int32, cb Callback) {
	r.mu.Lock()
	reg, ok := r.regs[pid]
	r.mu.Unlock()
	if !ok {
		return
	}
	go cb(pid, reg.uid, reg.mapsFD, reg.memFD)
}
