// Package ratelimiter throttles block device traffic.
//
// Removable media (SD cards, USB sticks, floppy images on slow links) often
// degrade or drop requests when hammered. The limiter lets a device wrapper
// cap the sustained sector rate while still allowing short bursts, so the FAT
// layer above sees a slow but steady device.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// unlimited is the rate used when no limit is configured.
const unlimited = 1_000_000_000

// RateLimiter is a token bucket measured in sectors.
//
// This implementation wraps golang.org/x/time/rate to provide:
//   - Token bucket rate limiting (bursts allowed, sustained rate enforced)
//   - Context-aware waiting (respects cancellation)
//   - Batched consumption for multi-sector transfers
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter allowing sectorsPerSecond sustained throughput
// with a bucket of burst sectors.
//
// Special cases:
//   - sectorsPerSecond = 0: no limit
//   - burst = 0: defaults to sectorsPerSecond, so a one-second transfer fits
//
// Example:
//
//	// 2048 sectors/s (1 MiB/s with 512-byte sectors), 4096 sector burst
//	limiter := New(2048, 4096)
func New(sectorsPerSecond, burst uint) *RateLimiter {
	if sectorsPerSecond == 0 {
		sectorsPerSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = sectorsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(sectorsPerSecond), int(burst)),
	}
}

// Allow reports whether a single-sector request may proceed immediately,
// consuming a token if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN reports whether n sectors may be transferred immediately. No tokens
// are consumed when it returns false.
func (r *RateLimiter) AllowN(n uint) bool {
	return r.limiter.AllowN(time.Now(), int(n))
}

// Wait blocks until one token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// WaitN blocks until n sectors worth of tokens are available.
//
// Transfers larger than the burst are paid for in burst-sized instalments,
// because rate.Limiter rejects a single request exceeding its bucket.
func (r *RateLimiter) WaitN(ctx context.Context, n uint) error {
	burst := uint(r.limiter.Burst())
	for n > 0 {
		step := n
		if burst > 0 && step > burst {
			step = burst
		}
		if err := r.limiter.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// SetLimit changes the sustained rate. Zero removes the limit.
func (r *RateLimiter) SetLimit(sectorsPerSecond uint) {
	if sectorsPerSecond == 0 {
		sectorsPerSecond = unlimited
	}
	r.limiter.SetLimit(rate.Limit(sectorsPerSecond))
}

// SetBurst changes the bucket size.
func (r *RateLimiter) SetBurst(burst uint) {
	r.limiter.SetBurst(int(burst))
}

// Tokens returns the current number of available tokens (may be fractional).
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
