package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when the bucket has no token for a message.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// TokenBucket is an immutable token-bucket state. Tokens refill continuously
// at Rate per second up to Burst.
type TokenBucket struct {
	Rate   float64
	Burst  float64
	Tokens float64
	Last   time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(rate, burst float64, now time.Time) TokenBucket {
	return TokenBucket{Rate: rate, Burst: burst, Tokens: burst, Last: now}
}

// Take refills b up to now and tries to spend one token. It is a pure
// function: the caller stores the returned state.
func Take(b TokenBucket, now time.Time) (TokenBucket, bool) {
	if elapsed := now.Sub(b.Last).Seconds(); elapsed > 0 {
		b.Tokens += elapsed * b.Rate
		if b.Tokens > b.Burst {
			b.Tokens = b.Burst
		}
		b.Last = now
	}
	if b.Tokens < 1 {
		return b, false
	}
	b.Tokens--
	return b, true
}

// RateLimited drops messages that exceed the bucket and forwards the rest.
type RateLimited struct {
	next Publisher
	now  func() time.Time

	mu     sync.Mutex
	bucket TokenBucket
}

// NewRateLimited wraps next with a bucket of rate messages per second.
func NewRateLimited(next Publisher, rate, burst float64) *RateLimited {
	return newRateLimited(next, rate, burst, time.Now)
}

func newRateLimited(next Publisher, rate, burst float64, now func() time.Time) *RateLimited {
	return &RateLimited{next: next, now: now, bucket: NewTokenBucket(rate, burst, now())}
}

// Publish forwards message, or returns ErrRateLimited without calling next.
func (r *RateLimited) Publish(ctx context.Context, message Message) error {
	r.mu.Lock()
	var allowed bool
	r.bucket, allowed = Take(r.bucket, r.now())
	r.mu.Unlock()

	if !allowed {
		return ErrRateLimited
	}
	return r.next.Publish(ctx, message)
}
