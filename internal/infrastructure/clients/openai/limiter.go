package openai

import (
	"context"
	"sync"
	"time"
)

// tokenBucket paces requests to rpm per minute with bursts of up to burst.
// Tokens are refilled lazily on Wait, so an idle client holds no goroutine.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// newTokenBucket returns nil, meaning unlimited, for a negative rpm. Zero
// values fall back to 60 rpm with a burst of 5.
func newTokenBucket(rpm, burst int) *tokenBucket {
	if rpm < 0 {
		return nil
	}
	if rpm == 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = 5
	}
	interval := time.Minute / time.Duration(rpm)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &tokenBucket{
		tokens:   float64(burst),
		burst:    float64(burst),
		interval: interval,
		last:     time.Now(),
		now:      time.Now,
	}
}

// reserve takes a token if one is available and otherwise returns how long
// until the next one.
func (b *tokenBucket) reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += float64(now.Sub(b.last)) / float64(b.interval)
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) * float64(b.interval))
}

// Wait blocks until a token is available or ctx ends.
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		wait := b.reserve()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
