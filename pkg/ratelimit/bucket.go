package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a blocking token bucket shared by every request a client
// sends over one connection. Tokens refill continuously at Rate per second
// up to Capacity; Acquire blocks until the requested tokens are available.
type TokenBucket struct {
	limiter *rate.Limiter

	ratePerSec float64
	capacity   int
}

// New builds a bucket that starts full. Non-positive arguments fall back to
// a safe minimum so a zero-value config cannot disable rate limiting.
func New(ratePerSec float64, capacity int) *TokenBucket {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), capacity),
		ratePerSec: ratePerSec,
		capacity:   capacity,
	}
}

// Acquire blocks until n tokens are available or ctx is done. Requesting
// more than the bucket capacity fails immediately.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	return b.limiter.WaitN(ctx, n)
}

// TryAcquire takes n tokens without blocking and reports whether it could.
func (b *TokenBucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// Available returns the current token count including refill since the last
// acquisition. Purely informational; the value may be stale by the time the
// caller acts on it.
func (b *TokenBucket) Available() float64 {
	tokens := b.limiter.Tokens()
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Rate returns the refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 { return b.ratePerSec }

// Capacity returns the burst capacity.
func (b *TokenBucket) Capacity() int { return b.capacity }
