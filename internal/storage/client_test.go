package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dunamismax/darkroom/internal/pipeline"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ pipeline.ObjectStore = (*Client)(nil)

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: " "})
	assert.Error(t, err)
	_, err = NewClient(Config{Bucket: "darkroom-exports"})
	assert.Error(t, err)
}

func TestPresignedGetURLIsOffline(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "localhost:9000", Access: "minioadmin", Secret: "minioadmin", Bucket: "darkroom-exports"})
	require.NoError(t, err)

	u, err := c.PresignedGetURL(context.Background(), "exports/s1/e1.jpg", 5*time.Minute)
	if err != nil {
		// Presigning looks up the bucket region when none is configured.
		t.Skipf("minio not reachable: %v", err)
	}
	assert.Contains(t, u, "/darkroom-exports/exports/s1/e1.jpg")
	assert.Contains(t, u, "response-content-disposition")
}

func TestObjectRoundTrip(t *testing.T) {
	endpoint := os.Getenv("DARKROOM_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("DARKROOM_TEST_MINIO_ENDPOINT not set")
	}

	c, err := NewClient(Config{Endpoint: endpoint, Access: "minioadmin", Secret: "minioadmin", Bucket: "darkroom-test"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, c.EnsureBucket(ctx))

	key := "exports/" + uuid.NewString() + "/e1.jpg"
	exists, err := c.ObjectExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.WriteObject(ctx, key, []byte("jpeg"), "image/jpeg"))
	data, err := c.ReadObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	exists, err = c.ObjectExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}
