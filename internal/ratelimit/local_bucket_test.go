package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTokenBucket(t *testing.T) {
	l, err := NewLocalTokenBucket(10, 10*time.Second)
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	d, err := l.AllowN(ctx, "ada", CostExport)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	d, err = l.AllowN(ctx, "ada", CostEdit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = l.AllowN(ctx, "grace", CostEdit)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per subject")

	now = now.Add(time.Second)
	d, err = l.AllowN(ctx, "ada", CostEdit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = l.AllowN(ctx, "ada", 11)
	assert.Error(t, err)
}

func TestLocalTokenBucketDeniedWithdrawalKeepsTokens(t *testing.T) {
	l, err := NewLocalTokenBucket(10, 10*time.Second)
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for want := int64(9); want >= 7; want-- {
		d, err := l.AllowN(ctx, "ada", CostEdit)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
	}

	d, err := l.AllowN(ctx, "ada", CostExport)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(7), d.Remaining)
	assert.Equal(t, 3*time.Second, d.RetryAfter)

	d, err = l.AllowN(ctx, "ada", CostEdit)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "the denied export left its tokens in the bucket")
	assert.Equal(t, int64(6), d.Remaining)
}

func TestLocalTokenBucketEvictsIdleSubjects(t *testing.T) {
	l, err := NewLocalTokenBucket(5, time.Second)
	require.NoError(t, err)

	now := time.Now()
	l.now = func() time.Time { return now }
	_, err = l.AllowN(context.Background(), "", CostEdit)
	require.NoError(t, err)
	require.Len(t, l.buckets, 1)
	assert.Contains(t, l.buckets, "anonymous")

	now = now.Add(3 * time.Second)
	_, err = l.AllowN(context.Background(), "other", CostEdit)
	require.NoError(t, err)
	assert.NotContains(t, l.buckets, "anonymous")
}

func TestNewBucketsValidate(t *testing.T) {
	_, err := NewLocalTokenBucket(0, time.Second)
	assert.Error(t, err)
	_, err = NewLocalTokenBucket(1, 0)
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(nil, 1, time.Second, "")
	assert.Error(t, err)
}

func TestRedisTokenBucketKeys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	l, err := NewRedisTokenBucket(client, 10, time.Minute, " ")
	require.NoError(t, err)
	assert.Equal(t, "darkroom:ratelimit:anonymous", l.key("  "))
	assert.Equal(t, "darkroom:ratelimit:ada", l.key("ada"))

	_, err = l.AllowN(context.Background(), "ada", 11)
	assert.Error(t, err, "cost above capacity fails before touching redis")
}
