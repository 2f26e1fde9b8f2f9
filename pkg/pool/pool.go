package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/lci/pkg/spec"
)

// Pool is a collection of token stacks, one per spec.ResourceKey, that
// supports atomic multi-key acquisition: a caller either gets everything it
// asked for in one step, or nothing and it waits.
//
// R is left generic and opaque on purpose: the pool doesn't need to know whether a token is a
// worktree handle or a user-declared string, so callers specialize it
// themselves (pkg/job does, wrapping both kinds behind one sum type).
type Pool[R any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	avail map[spec.ResourceKey][]R
	// keys is the authoritative set of valid resource keys for the pool's
	// lifetime, fixed at construction time plus whatever Add introduces.
	keys map[spec.ResourceKey]struct{}
}

// New creates a Pool primed with initial. The keys present in initial (even
// with an empty slice) become valid acquirable keys.
func New[R any](initial map[spec.ResourceKey][]R) *Pool[R] {
	p := &Pool[R]{
		avail: make(map[spec.ResourceKey][]R, len(initial)),
		keys:  make(map[spec.ResourceKey]struct{}, len(initial)),
	}
	for key, tokens := range initial {
		p.avail[key] = append([]R(nil), tokens...)
		p.keys[key] = struct{}{}
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Lease holds the tokens taken from a Pool by one Acquire call. Callers must
// call Release exactly once, typically via defer, to return the tokens.
type Lease[R any] struct {
	pool *Pool[R]

	mu       sync.Mutex
	released bool
	taken    map[spec.ResourceKey][]R
}

// Acquire blocks until every (key, count) in wants is simultaneously
// available, then removes all of it from the pool in one critical section
// and returns a Lease over it. It returns early with ctx.Err() if ctx is
// cancelled before that happens.
//
// Acquiring a key absent from the pool's key set is a programmer error: it
// panics immediately rather than blocking forever.
func (p *Pool[R]) Acquire(ctx context.Context, wants map[spec.ResourceKey]int) (*Lease[R], error) {
	for key := range wants {
		if _, ok := p.keys[key]; !ok {
			panic(fmt.Sprintf("pool: acquire of unknown resource key %s", key))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx != nil {
		// sync.Cond has no native cancellation; wake the waiter on ctx
		// cancellation the same way release does, so it can notice
		// ctx.Err() and give up instead of waiting forever.
		stop := context.AfterFunc(ctx, p.cond.Broadcast)
		defer stop()
	}

	for !p.satisfies(wants) {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		p.cond.Wait()
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	taken := make(map[spec.ResourceKey][]R, len(wants))
	for key, count := range wants {
		if count == 0 {
			continue
		}
		avail := p.avail[key]
		split := len(avail) - count
		taken[key] = append([]R(nil), avail[split:]...)
		p.avail[key] = avail[:split]
	}
	return &Lease[R]{pool: p, taken: taken}, nil
}

// satisfies reports whether every requested count is currently available.
// Caller must hold p.mu.
func (p *Pool[R]) satisfies(wants map[spec.ResourceKey]int) bool {
	for key, count := range wants {
		if len(p.avail[key]) < count {
			return false
		}
	}
	return true
}

// Add extends the pool at runtime, introducing new keys if necessary, and
// wakes any waiter that might now be satisfiable.
func (p *Pool[R]) Add(entries map[spec.ResourceKey][]R) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, tokens := range entries {
		p.keys[key] = struct{}{}
		p.avail[key] = append(p.avail[key], tokens...)
	}
	p.cond.Broadcast()
}

// TryRemoveAll atomically drains and returns every currently-available
// token under key, without blocking, so a caller can tear down resources
// (e.g. worktrees) that are not presently checked out. The key stays valid:
// a later Acquire of it blocks until tokens are added or released.
func (p *Pool[R]) TryRemoveAll(key spec.ResourceKey) []R {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.avail[key]
	delete(p.avail, key)
	return out
}

// Snapshot returns the number of currently-available tokens for every
// resource key the pool knows about. Used by pkg/metrics to periodically
// publish gauge values; not part of the acquire/release contract.
func (p *Pool[R]) Snapshot() map[spec.ResourceKey]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[spec.ResourceKey]int, len(p.keys))
	for key := range p.keys {
		out[key] = len(p.avail[key])
	}
	return out
}

// release returns taken tokens to the pool and wakes every waiter, which is
// inefficient (at most one waiter can actually proceed) but avoids any
// starvation analysis: every waiter simply re-checks its own predicate.
func (p *Pool[R]) release(taken map[spec.ResourceKey][]R) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, tokens := range taken {
		p.avail[key] = append(p.avail[key], tokens...)
	}
	p.cond.Broadcast()
}

// Resources returns the tokens of key held by this lease.
func (l *Lease[R]) Resources(key spec.ResourceKey) []R {
	return l.taken[key]
}

// Release returns this lease's tokens to the pool. Subsequent calls are
// no-ops, so it's safe (if redundant) to call from both a defer and an
// explicit early-release path.
func (l *Lease[R]) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.taken)
}
