package txn

import "time"

// Metrics provides observability for the transaction queue.
//
// This interface is optional - if not provided to New, a no-op
// implementation is used with zero overhead.
type Metrics interface {
	// ObserveTransaction records a completed top-level operation.
	//
	// Parameters:
	//   - wait: Time spent queued behind earlier operations
	//   - hold: Time the operation held the queue
	//   - err: Error returned by the operation, nil on success
	ObserveTransaction(wait, hold time.Duration, err error)

	// SetPending records the number of queued operations.
	SetPending(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransaction(time.Duration, time.Duration, error) {}
func (noopMetrics) SetPending(int)                                         {}
