package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one token withdrawal.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter withdraws cost tokens from the bucket named by subject.
type Limiter interface {
	AllowN(ctx context.Context, subject string, cost int) (Decision, error)
}

// Costs per route class. Slider drags arrive at input-event rate, so they are
// cheap; an export occupies a worker slot.
const (
	CostEdit   = 1
	CostExport = 10
)

const defaultKeyPrefix = "darkroom:ratelimit"

// bucketSpec is the shape shared by every bucket of one limiter: a full bucket
// holds capacity tokens and refills completely over one window.
type bucketSpec struct {
	capacity    int64
	window      time.Duration
	refillPerMS float64
	ttl         time.Duration
}

func newBucketSpec(capacity int, window time.Duration) (bucketSpec, error) {
	if capacity <= 0 {
		return bucketSpec{}, errors.New("capacity must be positive")
	}
	if window <= 0 {
		return bucketSpec{}, errors.New("window must be positive")
	}
	return bucketSpec{
		capacity:    int64(capacity),
		window:      window,
		refillPerMS: float64(capacity) / float64(max(1, window.Milliseconds())),
		ttl:         2 * window,
	}, nil
}

// normalizeCost raises cost to at least one token and rejects costs no bucket
// could ever satisfy.
func (b bucketSpec) normalizeCost(cost int) (int64, error) {
	n := int64(max(1, cost))
	if n > b.capacity {
		return 0, fmt.Errorf("cost %d exceeds bucket capacity %d", n, b.capacity)
	}
	return n, nil
}

// withdrawScript refills the bucket for the elapsed time and withdraws the
// requested tokens atomically. It replies {allowed, remaining, retry_after_ms}.
var withdrawScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)

local ok, wait = 0, 0
if tokens >= cost then
  tokens = tokens - cost
  ok = 1
else
  wait = math.ceil((cost - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {ok, math.floor(tokens), wait}
`)

// RedisTokenBucket shares buckets across API replicas through one Redis hash
// per subject.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	spec      bucketSpec
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	spec, err := newBucketSpec(capacity, window)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisTokenBucket{client: client, spec: spec, keyPrefix: keyPrefix, now: time.Now}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	return l.keyPrefix + ":" + normalizeSubject(subject)
}

func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	n, err := l.spec.normalizeCost(cost)
	if err != nil {
		return Decision{}, err
	}

	reply, err := withdrawScript.Run(ctx, l.client, []string{l.key(subject)},
		l.spec.capacity,
		l.spec.refillPerMS,
		l.now().UnixMilli(),
		n,
		l.spec.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket script: %w", err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket script: want 3 values, got %d", len(reply))
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func normalizeSubject(subject string) string {
	if subject = strings.TrimSpace(subject); subject == "" {
		return "anonymous"
	}
	return subject
}
