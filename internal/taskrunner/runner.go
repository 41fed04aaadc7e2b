// Package taskrunner implements the single-threaded cooperative task
// runner spec.md §5/§9 calls for: one goroutine drains a mailbox of
// closures, and all producer/session state is mutated only from inside
// those closures, so no locking is needed on that state. Cross-goroutine
// collaborators (the unwind worker, the descriptor getter) post back into
// the mailbox instead of calling in directly.
package taskrunner

import (
	"sync"
	"sync/atomic"
	"time"
)

// Runner is a single-consumer task mailbox. The zero value is not usable;
// use New.
type Runner struct {
	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New starts a Runner's consumer goroutine. queueDepth bounds how many
// posted closures may be pending at once before PostTask blocks; callers
// that post from their own goroutine (the unwind worker, the descriptor
// getter) should size it generously since PostTask must not deadlock
// against the very goroutine it's trying to hand work back to.
func New(queueDepth int) *Runner {
	r := &Runner{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.done:
			// Drain whatever is left without blocking, then exit.
			for {
				select {
				case fn := <-r.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// PostTask enqueues fn to run on the runner's goroutine. It is safe to call
// from any goroutine, including the runner's own.
func (r *Runner) PostTask(fn func()) {
	if r.closed.Load() {
		return
	}
	select {
	case r.tasks <- fn:
	case <-r.done:
	}
}

// PostDelayedTask enqueues fn to run on the runner's goroutine no sooner
// than d from now. It returns a cancel function; calling it before the
// delay elapses prevents fn from ever being posted.
func (r *Runner) PostDelayedTask(d time.Duration, fn func()) (cancel func()) {
	timer := time.AfterFunc(d, func() { r.PostTask(fn) })
	return func() { timer.Stop() }
}

// Stop stops accepting new tasks, lets already-queued ones drain, and
// blocks until the consumer goroutine has exited.
func (r *Runner) Stop() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
	}
	r.wg.Wait()
}

// Token is the weak self-handle every deferred closure captures (spec.md
// §9 "weak self-handle"): it models a generation counter that is bumped on
// producer teardown, turning all pending closures referencing the old
// generation into no-ops without needing to track or cancel each one
// individually.
type Token struct {
	owner *Generation
	gen   uint64
}

// Generation is held by the producer (or whatever owns the reconstructable
// state) and minted into Tokens; Invalidate bumps it, which makes every
// previously-minted Token.Valid() return false.
type Generation struct {
	current atomic.Uint64
}

// NewToken mints a Token bound to the generation's current value.
func (g *Generation) NewToken() Token {
	return Token{owner: g, gen: g.current.Load()}
}

// Valid reports whether this Token's generation is still current, i.e. the
// owner has not been torn down (restarted) since the Token was minted.
func (t Token) Valid() bool {
	return t.owner != nil && t.owner.current.Load() == t.gen
}

// Invalidate bumps the generation, retroactively invalidating every Token
// minted before this call.
func (g *Generation) Invalidate() {
	g.current.Add(1)
}
