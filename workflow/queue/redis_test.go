package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	return NewRedisQueue(cfg, client)
}

func TestRedisQueue_EnqueuePollComplete(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "r1"}))

	got, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.TaskID)
	assert.Equal(t, storage.TaskProcessing, got.Status)

	require.NoError(t, q.Complete(ctx, "r1", map[string]any{"ok": true}))

	stats, err := q.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
}

func TestRedisQueue_PollTimesOutWhenEmpty(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	got, err := q.Poll(ctx, "default", "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisQueue_ReapReclaimsThenFailsAfterMax(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)
	q.cfg.HeartbeatTimeout = 1 * time.Millisecond

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "r2", MaxAttempts: 1}))
	_, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := q.Reap(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	t2, err := q.getTask(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskFailed, t2.Status)
	assert.Equal(t, MaxAttemptsExceededType, t2.Error["error_type"])
}
