package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalTokenBucket is the single-process Limiter used when Redis is not
// configured. Each subject gets its own rate.Limiter with the same shape as
// the Redis buckets.
type LocalTokenBucket struct {
	mu      sync.Mutex
	spec    bucketSpec
	now     func() time.Time
	buckets map[string]*localBucket
}

type localBucket struct {
	lim  *rate.Limiter
	last time.Time
}

func NewLocalTokenBucket(capacity int, window time.Duration) (*LocalTokenBucket, error) {
	spec, err := newBucketSpec(capacity, window)
	if err != nil {
		return nil, err
	}
	return &LocalTokenBucket{
		spec:    spec,
		now:     time.Now,
		buckets: make(map[string]*localBucket),
	}, nil
}

func (l *LocalTokenBucket) AllowN(_ context.Context, subject string, cost int) (Decision, error) {
	n, err := l.spec.normalizeCost(cost)
	if err != nil {
		return Decision{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	key := normalizeSubject(subject)
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.spec.limit(), int(l.spec.capacity))}
		l.buckets[key] = b
	}
	b.last = now

	r := b.lim.ReserveN(now, int(n))
	if delay := r.DelayFrom(now); delay > 0 {
		// A denied request must not hold tokens against the next one.
		r.CancelAt(now)
		return Decision{
			Remaining:  max(0, int64(b.lim.TokensAt(now))),
			RetryAfter: delay,
		}, nil
	}
	return Decision{Allowed: true, Remaining: max(0, int64(b.lim.TokensAt(now)))}, nil
}

func (l *LocalTokenBucket) evict(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.last) > l.spec.ttl {
			delete(l.buckets, key)
		}
	}
}

// limit converts the refill rate to tokens per second.
func (b bucketSpec) limit() rate.Limit {
	return rate.Limit(float64(b.capacity) / b.window.Seconds())
}
