package volume

import "time"

// Metrics provides observability for FAT table operations.
//
// This interface is optional - if not provided to Mount, a no-op
// implementation is used with zero overhead.
type Metrics interface {
	// ObserveFATOperation records one FAT access.
	//
	// Parameters:
	//   - op: "fetch", "store" or "allocate"
	//   - duration: Time the operation took
	//   - err: Error if the operation failed, nil on success
	ObserveFATOperation(op string, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFATOperation(string, time.Duration, error) {}
