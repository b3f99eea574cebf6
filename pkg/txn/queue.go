// Package txn provides the transaction queue every filesystem operation runs
// through.
//
// The queue is a FIFO ticket lock: operations run one at a time, in the
// order they were submitted. An operation already holding the queue can
// invoke other queue-guarded operations in nested mode, which runs them
// immediately inside the held slot instead of queueing behind later
// arrivals. Composite operations (open, operate, close) are therefore
// observed as a single indivisible step.
//
// Cancellation is only honoured before an operation is enqueued. Once
// enqueued it runs to completion.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittofat/internal/logger"
)

// Func is the body of a queued operation.
type Func func(ctx context.Context) error

// Queue linearizes operations in submission order.
//
// Thread Safety:
// Safe for concurrent use. The zero value is not usable; call New.
type Queue struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
	metrics Metrics
}

// New creates an idle queue. m may be nil.
func New(m Metrics) *Queue {
	if m == nil {
		m = noopMetrics{}
	}
	return &Queue{metrics: m}
}

// Do runs fn holding the queue.
//
// With nested set, fn runs at once on the caller's goroutine: the caller
// must already be inside a Do body. Otherwise ctx is checked, the call is
// enqueued behind every earlier submission and fn runs when its turn comes.
func (q *Queue) Do(ctx context.Context, nested bool, fn Func) error {
	if nested {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	enqueued := time.Now()
	q.acquire()
	started := time.Now()

	debug := logger.IsEnabled(logger.LevelDebug)
	if debug {
		logger.Debug("=== Starting GROUP ===")
	}

	var err error
	defer func() {
		if debug {
			logger.Debug("=== Finishing GROUP ===")
		}
		q.release()
		q.metrics.ObserveTransaction(started.Sub(enqueued), time.Since(started), err)
	}()

	err = fn(ctx)
	return err
}

// Pending returns how many operations are waiting for their turn, not
// counting the one currently running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Busy reports whether an operation currently holds the queue.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.held
}

func (q *Queue) acquire() {
	q.mu.Lock()
	if !q.held {
		q.held = true
		q.mu.Unlock()
		return
	}
	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	q.metrics.SetPending(len(q.waiters))
	q.mu.Unlock()

	// Ownership is handed over by release; held stays true throughout.
	<-turn
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) == 0 {
		q.held = false
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	q.metrics.SetPending(len(q.waiters))
	close(next)
}
