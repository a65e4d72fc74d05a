package automower

import (
	"math/rand/v2"
	"time"
)

// backoff produces full-jitter delays in [0, min(cap, base*2^attempt)].
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
	randN   func(n int64) int64
}

func newBackoff(base, cap time.Duration) *backoff {
	return &backoff{base: base, cap: cap, randN: rand.Int64N}
}

// ceiling is the upper bound for the next delay.
func (b *backoff) ceiling() time.Duration {
	limit := b.base
	for i := 0; i < b.attempt; i++ {
		limit *= 2
		if limit >= b.cap || limit <= 0 {
			return b.cap
		}
	}
	if limit > b.cap {
		return b.cap
	}
	return limit
}

func (b *backoff) Next() time.Duration {
	limit := b.ceiling()
	b.attempt++
	if limit <= 0 {
		return 0
	}
	return time.Duration(b.randN(int64(limit) + 1))
}

func (b *backoff) Reset() {
	b.attempt = 0
}
