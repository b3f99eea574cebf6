package device

import (
	"context"
	"time"
)

// Metrics receives device operation observations.
//
// This interface is optional - NewInstrumented(dev, nil) uses a no-op
// implementation. The Prometheus implementation lives in pkg/metrics.
type Metrics interface {
	// ObserveOperation records one completed device call.
	//
	// Parameters:
	//   - op: "read", "write" or "sync"
	//   - sectors: Number of sectors transferred (0 for sync)
	//   - duration: Time the call took
	//   - err: Error returned by the device, nil on success
	ObserveOperation(op string, sectors int, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, int, time.Duration, error) {}

// Instrumented reports every call of the wrapped device to a Metrics sink.
type Instrumented struct {
	BlockDevice
	metrics Metrics
}

// NewInstrumented wraps dev. A nil m disables reporting.
func NewInstrumented(dev BlockDevice, m Metrics) *Instrumented {
	if m == nil {
		m = noopMetrics{}
	}
	return &Instrumented{BlockDevice: dev, metrics: m}
}

func (i *Instrumented) ReadSectors(ctx context.Context, index int64, buf []byte) error {
	start := time.Now()
	err := i.BlockDevice.ReadSectors(ctx, index, buf)
	i.metrics.ObserveOperation("read", len(buf)/i.SectorSize(), time.Since(start), err)
	return err
}

func (i *Instrumented) WriteSectors(ctx context.Context, index int64, buf []byte) error {
	start := time.Now()
	err := i.BlockDevice.WriteSectors(ctx, index, buf)
	i.metrics.ObserveOperation("write", len(buf)/i.SectorSize(), time.Since(start), err)
	return err
}

func (i *Instrumented) Sync(ctx context.Context) error {
	start := time.Now()
	err := i.BlockDevice.Sync(ctx)
	i.metrics.ObserveOperation("sync", 0, time.Since(start), err)
	return err
}

// Unwrap returns the instrumented device.
func (i *Instrumented) Unwrap() BlockDevice {
	return i.BlockDevice
}
