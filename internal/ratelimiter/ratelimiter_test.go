package ratelimiter

import (
	"context"
	"testing"
	"time"
)

// TestNew verifies limiter creation with different parameters.
func TestNew(t *testing.T) {
	tests := []struct {
		name             string
		sectorsPerSecond uint
		burst            uint
		wantBurst        int
	}{
		{
			name:             "explicit burst",
			sectorsPerSecond: 100,
			burst:            200,
			wantBurst:        200,
		},
		{
			name:             "burst defaults to rate",
			sectorsPerSecond: 64,
			burst:            0,
			wantBurst:        64,
		},
		{
			name:             "unlimited",
			sectorsPerSecond: 0,
			burst:            0,
			wantBurst:        unlimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.sectorsPerSecond, tt.burst)
			if limiter == nil || limiter.limiter == nil {
				t.Fatal("New() returned an unusable limiter")
			}
			if got := limiter.limiter.Burst(); got != tt.wantBurst {
				t.Fatalf("burst = %d, want %d", got, tt.wantBurst)
			}
		})
	}
}

// TestAllow verifies that the burst is honoured and then exhausted.
func TestAllow(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow() {
		t.Fatal("request should be rate-limited after burst exhausted")
	}
}

// TestAllowN verifies batch consumption.
func TestAllowN(t *testing.T) {
	limiter := New(10, 10)

	if !limiter.AllowN(8) {
		t.Fatal("AllowN(8) should succeed with burst of 10")
	}
	if limiter.AllowN(8) {
		t.Fatal("AllowN(8) should fail with only 2 tokens left")
	}
	if !limiter.AllowN(2) {
		t.Fatal("AllowN(2) should consume the remaining tokens")
	}
}

// TestWaitNLargerThanBurst verifies that a transfer larger than the bucket
// is split instead of rejected.
func TestWaitNLargerThanBurst(t *testing.T) {
	limiter := New(1000, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := limiter.WaitN(ctx, 30); err != nil {
		t.Fatalf("WaitN(30) failed: %v", err)
	}

	// 10 from the initial bucket + 20 at 1000/s ≈ 20ms
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("WaitN took %v, expected well under a second", elapsed)
	}
}

// TestWaitContextCancellation verifies that Wait respects cancellation.
func TestWaitContextCancellation(t *testing.T) {
	limiter := New(1, 1)

	if !limiter.Allow() {
		t.Fatal("first request should be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait() should return error when context is cancelled")
	}
}

// TestSetLimitUnlimited verifies that zero lifts the limit.
func TestSetLimitUnlimited(t *testing.T) {
	limiter := New(1, 1)
	limiter.Allow()

	limiter.SetLimit(0)
	limiter.SetBurst(1000)
	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 100; i++ {
		if !limiter.Allow() {
			t.Fatalf("unlimited limiter should allow request %d", i)
		}
	}
}
