package client

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/luma/kvlink/protocol"
)

type result struct {
	value protocol.Value
	err   error
}

// request is a caller waiting for one reply. It is settled exactly once,
// whichever of the reply, a connection failure or the caller's context gets
// there first.
type request struct {
	args    []string
	results chan result
	settled *atomic.Bool

	// flushed is closed once the request has been written to the socket. Only
	// requests that don't wait for their reply set it.
	flushed chan struct{}
}

func newRequest(args []string) *request {
	return &request{
		args:    args,
		results: make(chan result, 1),
		settled: atomic.NewBool(false),
	}
}

func (r *request) settle(value protocol.Value, err error) bool {
	if !r.settled.CAS(false, true) {
		return false
	}

	r.results <- result{value: value, err: err}
	return true
}

// wait blocks until the request is settled. If the session dies or ctx ends
// first the request is settled with that error instead, a reply arriving
// later is then dropped.
func (r *request) wait(ctx context.Context, s *session) (protocol.Value, error) {
	select {
	case res := <-r.results:
		return res.value, res.err

	case <-s.dead:
		r.settle(protocol.Value{}, s.err)

	case <-ctx.Done():
		r.settle(protocol.Value{}, ctx.Err())
	}

	res := <-r.results
	return res.value, res.err
}

// queue is the FIFO of requests written to a connection and not yet
// answered. The store answers in the order requests were written, so the
// oldest request always owns the next reply.
type queue struct {
	mu      sync.Mutex
	pending []*request
	head    int

	// err is set by failAll, requests enqueued afterwards fail immediately
	err error
}

func newQueue() *queue {
	return &queue{}
}

func (q *queue) enqueue(r *request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		r.settle(protocol.Value{}, q.err)
		return
	}

	q.pending = append(q.pending, r)
}

// dispatch settles the oldest request with v. An error reply settles it with
// a protocol.Error. It returns false if nothing was waiting.
func (q *queue) dispatch(v protocol.Value) bool {
	r := q.pop()
	if r == nil {
		return false
	}

	r.settle(v, v.Err())
	return true
}

// dispatchErr settles the oldest request with err.
func (q *queue) dispatchErr(err error) bool {
	r := q.pop()
	if r == nil {
		return false
	}

	r.settle(protocol.Value{}, err)
	return true
}

// failAll settles every pending request with err and refuses new ones.
func (q *queue) failAll(err error) {
	q.mu.Lock()
	pending := q.pending[q.head:]
	q.pending = nil
	q.head = 0
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()

	for _, r := range pending {
		r.settle(protocol.Value{}, err)
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending) - q.head
}

func (q *queue) pop() *request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.pending) {
		return nil
	}

	r := q.pending[q.head]
	q.pending[q.head] = nil
	q.head++

	// Reuse the backing array once it has been drained, or shift the live
	// tail down once the dead prefix dominates it.
	switch {
	case q.head == len(q.pending):
		q.pending = q.pending[:0]
		q.head = 0

	case q.head >= 64 && q.head*2 >= len(q.pending):
		n := copy(q.pending, q.pending[q.head:])
		for i := n; i < len(q.pending); i++ {
			q.pending[i] = nil
		}
		q.pending = q.pending[:n]
		q.head = 0
	}

	return r
}
