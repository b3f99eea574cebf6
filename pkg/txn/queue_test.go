package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitPending blocks until n operations are queued.
func waitPending(t *testing.T, q *Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Pending() == n }, time.Second, time.Millisecond)
}

// hold occupies the queue until the returned function is called.
func hold(t *testing.T, q *Queue) (unblock func(), done <-chan struct{}) {
	t.Helper()
	gate := make(chan struct{})
	finished := make(chan struct{})
	started := make(chan struct{})
	go func() {
		defer close(finished)
		_ = q.Do(context.Background(), false, func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started
	return func() { close(gate) }, finished
}

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	q := New(nil)
	unblock, _ := hold(t, q)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	const n = 8
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do(context.Background(), false, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitPending(t, q, i+1)
	}

	unblock()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
	assert.Zero(t, q.Pending())
	assert.False(t, q.Busy())
}

func TestQueueNestedRunsInsideHeldSlot(t *testing.T) {
	q := New(nil)
	var steps []string

	err := q.Do(context.Background(), false, func(ctx context.Context) error {
		steps = append(steps, "outer")
		return q.Do(ctx, true, func(ctx context.Context) error {
			steps = append(steps, "inner")
			assert.True(t, q.Busy())
			return q.Do(ctx, true, func(context.Context) error {
				steps = append(steps, "innermost")
				return nil
			})
		})
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "innermost"}, steps)
}

func TestQueueNestedIsNotOvertakenByLaterArrivals(t *testing.T) {
	q := New(nil)
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	arrived := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Do(context.Background(), false, func(ctx context.Context) error {
			record("first")
			close(arrived)
			<-proceed
			return q.Do(ctx, true, func(context.Context) error {
				record("first-nested")
				return nil
			})
		})
	}()

	<-arrived
	later := make(chan struct{})
	go func() {
		defer close(later)
		_ = q.Do(context.Background(), false, func(context.Context) error {
			record("second")
			return nil
		})
	}()
	waitPending(t, q, 1)
	close(proceed)

	<-done
	<-later
	assert.Equal(t, []string{"first", "first-nested", "second"}, order)
}

func TestQueueChecksContextBeforeEnqueue(t *testing.T) {
	q := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := q.Do(ctx, false, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestQueueEnqueuedOperationSurvivesCancellation(t *testing.T) {
	q := New(nil)
	unblock, _ := hold(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	ran := make(chan struct{}, 1)
	go func() {
		result <- q.Do(ctx, false, func(context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()
	waitPending(t, q, 1)

	cancel()
	unblock()

	assert.NoError(t, <-result)
	assert.Len(t, ran, 1)
}

func TestQueuePropagatesErrorAndReleases(t *testing.T) {
	q := New(nil)
	boom := errors.New("boom")

	err := q.Do(context.Background(), false, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, q.Busy())

	assert.NoError(t, q.Do(context.Background(), false, func(context.Context) error { return nil }))
}

func TestQueueReleasesOnPanic(t *testing.T) {
	q := New(nil)

	assert.Panics(t, func() {
		_ = q.Do(context.Background(), false, func(context.Context) error { panic("bad") })
	})
	assert.False(t, q.Busy())
}

type recordingMetrics struct {
	mu           sync.Mutex
	transactions int
	failures     int
	maxPending   int
}

func (r *recordingMetrics) ObserveTransaction(_, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions++
	if err != nil {
		r.failures++
	}
}

func (r *recordingMetrics) SetPending(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxPending = max(r.maxPending, n)
}

func TestQueueMetrics(t *testing.T) {
	m := &recordingMetrics{}
	q := New(m)
	unblock, finished := hold(t, q)

	errc := make(chan error, 1)
	go func() {
		errc <- q.Do(context.Background(), false, func(context.Context) error { return errors.New("x") })
	}()
	waitPending(t, q, 1)
	unblock()
	<-finished
	assert.Error(t, <-errc)

	require.NoError(t, q.Do(context.Background(), true, func(context.Context) error { return nil }))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 2, m.transactions, "nested calls are not separate transactions")
	assert.Equal(t, 1, m.failures)
	assert.Equal(t, 1, m.maxPending)
}
