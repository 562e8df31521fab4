//go:build integration

package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startQdrant(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	testcontainers.SkipIfProviderIsNotHealthy(t)
	container, err := testcontainers.Run(ctx, "qdrant/qdrant:v1.13.2",
		testcontainers.WithExposedPorts("6334/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6334/tcp").WithStartupTimeout(60*time.Second)),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start qdrant")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6334/tcp")
	require.NoError(t, err)

	client, err := NewClient(QdrantConfig{Host: host, Port: port.Int()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestQdrantRoundTrip(t *testing.T) {
	client := startQdrant(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, client.EnsureCollection(ctx, "mb_memory", 3))
	// A second call finds the existing collection.
	require.NoError(t, client.EnsureCollection(ctx, "mb_memory", 3))

	near, far := uuid.NewString(), uuid.NewString()
	require.NoError(t, client.Upsert(ctx, "mb_memory",
		Point{ID: near, Vector: []float32{1, 0, 0}, Payload: map[string]string{"agent_id": "a"}},
		Point{ID: far, Vector: []float32{0, 1, 0}},
		Point{ID: "42", Vector: []float32{0.7, 0.7, 0}},
	))

	hits, err := client.Search(ctx, "mb_memory", []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, near, hits[0].ID)
	assert.Equal(t, "a", hits[0].Payload["agent_id"])
	assert.Equal(t, "42", hits[1].ID)
	assert.Equal(t, far, hits[2].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)

	require.NoError(t, client.Delete(ctx, "mb_memory", near, "42"))
	hits, err = client.Search(ctx, "mb_memory", []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, far, hits[0].ID)
}
