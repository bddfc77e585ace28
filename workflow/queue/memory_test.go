package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

func TestMemoryQueue_EnqueuePoll(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(DefaultConfig())

	task := &storage.QueueTask{TaskID: "t1", RunID: "run-1", StateName: "DoWork"}
	require.NoError(t, q.Enqueue(ctx, "default", task))

	got, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, storage.TaskProcessing, got.Status)
	assert.Equal(t, "worker-1", got.WorkerID)
}

func TestMemoryQueue_PollTimesOutWhenEmpty(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(DefaultConfig())

	start := time.Now()
	got, err := q.Poll(ctx, "default", "worker-1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryQueue_PollWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(DefaultConfig())

	done := make(chan *storage.QueueTask, 1)
	go func() {
		got, err := q.Poll(ctx, "default", "worker-1", time.Second)
		require.NoError(t, err)
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "t2"}))

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, "t2", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("poll did not wake on enqueue")
	}
}

func TestMemoryQueue_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(DefaultConfig())

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "t3"}))
	got, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, got.TaskID, map[string]any{"ok": true}))

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "t4"}))
	got2, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got2.TaskID, map[string]any{"error_type": "Boom"}))

	stats, err := q.Stats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
}

func TestMemoryQueue_HeartbeatThenReclaimStale(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(DefaultConfig())

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "t5", MaxAttempts: 3}))
	got, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Heartbeat(ctx, got.TaskID))

	n := q.reclaimStale(0, MaxAttemptsExceededType)
	assert.Equal(t, 1, n)

	q.mu.Lock()
	t5 := q.tasks["t5"]
	q.mu.Unlock()
	require.NotNil(t, t5)
	assert.Equal(t, storage.TaskQueued, t5.Status)
	assert.Equal(t, 1, t5.Attempts)
}

func TestMemoryQueue_ReclaimStaleFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(DefaultConfig())

	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "t6", MaxAttempts: 1}))
	_, err := q.Poll(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	n := q.reclaimStale(0, MaxAttemptsExceededType)
	assert.Equal(t, 1, n)

	q.mu.Lock()
	t6 := q.tasks["t6"]
	q.mu.Unlock()
	require.NotNil(t, t6)
	assert.Equal(t, storage.TaskFailed, t6.Status)
	assert.Equal(t, MaxAttemptsExceededType, t6.Error["error_type"])
}

func TestMemoryQueue_CancelIsTerminalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(DefaultConfig())
	require.NoError(t, q.Enqueue(ctx, "default", &storage.QueueTask{TaskID: "t1", RunID: "run-1", StateName: "DoWork"}))

	require.NoError(t, q.Cancel(ctx, "t1", "run cancelled"))

	got, err := q.Poll(ctx, "default", "worker-1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "a cancelled task must never be delivered")

	// Cancelling again, or cancelling after a terminal transition,
	// leaves the record untouched.
	require.NoError(t, q.Cancel(ctx, "t1", "again"))
	q.mu.Lock()
	task := *q.tasks["t1"]
	q.mu.Unlock()
	assert.Equal(t, storage.TaskCancelled, task.Status)
	assert.Equal(t, "run cancelled", task.Error["message"])
}
