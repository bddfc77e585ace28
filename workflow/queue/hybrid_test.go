package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

func TestHybridQueue_EnqueuePollPrefersMemory(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	q := NewHybridQueue(DefaultConfig(), mem)

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "h1"}))

	got, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h1", got.TaskID)

	require.NoError(t, q.Complete(ctx, "h1", map[string]any{"ok": true}))

	stored, err := mem.GetQueueTask(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSucceeded, stored.Status)
}

func TestHybridQueue_FallsBackToPersistentWhenMemoryMiss(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	q := NewHybridQueue(DefaultConfig(), mem)

	// Bypass the hybrid's memory mirror to simulate a task only another
	// process's hybrid instance (sharing storage) wrote durably.
	require.NoError(t, q.per.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "h2"}))

	got, err := q.Poll(ctx, "default", "worker-1", 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h2", got.TaskID)
}

func TestHybridQueue_Reap(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 0
	q := NewHybridQueue(cfg, mem)

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "h3", MaxAttempts: 1}))
	_, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	n, err := q.Reap(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
