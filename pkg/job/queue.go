package job

import (
	"context"
	"sync"

	"github.com/cuemby/lci/pkg/spec"
)

// task is one dispatched unit of work: a (revision, test) pair with its own
// cancellation context. It lives from enqueue until the worker that picks
// it up finishes running it or observes cancellation.
type task struct {
	revision spec.RevisionId
	test     *spec.TestSpec
	ctx      context.Context
}

// queue is an unbounded multi-consumer channel built on a mutex and
// condition variable in the same style as pkg/pool: push never blocks,
// and pop blocks until an item is available, the queue is closed, or
// ctx is cancelled.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*task
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(t *task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available, returning (item, true), or
// returns (nil, false) once the queue is closed and drained, or ctx is
// cancelled.
func (q *queue) pop(ctx context.Context) (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := context.AfterFunc(ctx, q.cond.Broadcast)
	defer stop()

	for len(q.items) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return nil, false
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// close marks the queue closed: pending pops drain remaining items, then
// return (nil, false) forever after.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
