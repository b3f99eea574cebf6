package device

import (
	"context"

	"github.com/marmos91/dittofat/internal/ratelimiter"
)

// ThrottleConfig caps device throughput.
type ThrottleConfig struct {
	// SectorsPerSecond is the sustained transfer rate. 0 disables throttling.
	SectorsPerSecond uint `mapstructure:"sectors_per_second"`

	// Burst is the number of sectors that may be transferred back to back
	// (default: SectorsPerSecond).
	Burst uint `mapstructure:"burst"`
}

// Throttled wraps a BlockDevice and charges every transfer against a token
// bucket sized in sectors. Calls block until enough tokens are available or
// the context is cancelled.
type Throttled struct {
	BlockDevice
	limiter *ratelimiter.RateLimiter
}

// NewThrottled wraps dev. A zero rate returns dev unchanged.
func NewThrottled(dev BlockDevice, cfg ThrottleConfig) BlockDevice {
	if cfg.SectorsPerSecond == 0 {
		return dev
	}
	return &Throttled{
		BlockDevice: dev,
		limiter:     ratelimiter.New(cfg.SectorsPerSecond, cfg.Burst),
	}
}

func (t *Throttled) sectors(buf []byte) uint {
	n := len(buf) / t.SectorSize()
	if n == 0 {
		n = 1
	}
	return uint(n)
}

func (t *Throttled) ReadSectors(ctx context.Context, index int64, buf []byte) error {
	if err := t.limiter.WaitN(ctx, t.sectors(buf)); err != nil {
		return err
	}
	return t.BlockDevice.ReadSectors(ctx, index, buf)
}

func (t *Throttled) WriteSectors(ctx context.Context, index int64, buf []byte) error {
	if err := t.limiter.WaitN(ctx, t.sectors(buf)); err != nil {
		return err
	}
	return t.BlockDevice.WriteSectors(ctx, index, buf)
}

// Unwrap returns the throttled device.
func (t *Throttled) Unwrap() BlockDevice {
	return t.BlockDevice
}
