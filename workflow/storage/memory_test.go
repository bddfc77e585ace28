package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	exec := &Execution{RunID: "run-1", Mode: ModeInline, Status: ExecutionRunning, CurrentState: "Start", StartedAt: time.Now()}
	require.NoError(t, m.CreateExecution(ctx, exec))

	got, err := m.GetExecution(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	err = m.CreateExecution(ctx, exec)
	require.Error(t, err)
	assert.Equal(t, KindUniqueConstraintViolation, err.(*Error).Kind)

	succeeded := ExecutionCompleted
	require.NoError(t, m.UpdateExecution(ctx, "run-1", 1, ExecutionUpdate{Status: &succeeded}))

	err = m.UpdateExecution(ctx, "run-1", 1, ExecutionUpdate{Status: &succeeded})
	require.Error(t, err)
	assert.Equal(t, KindOptimisticLockConflict, err.(*Error).Kind)

	_, err = m.GetExecution(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, err.(*Error).Kind)
}

func TestMemory_QueueTaskByRunState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	task := &QueueTask{
		TaskID: "task-1", QueueName: "default", RunID: "run-1", StateName: "DoWork",
		Status: TaskQueued, MaxAttempts: 3, QueuedAt: time.Now(),
	}
	require.NoError(t, m.CreateQueueTask(ctx, task))

	found, err := m.GetTaskByRunState(ctx, "run-1", "DoWork")
	require.NoError(t, err)
	assert.Equal(t, "task-1", found.TaskID)

	processing := TaskProcessing
	n, err := m.UpdateTaskByRunState(ctx, "run-1", "DoWork", &task.Status, QueueTaskUpdate{Status: &processing})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued := TaskQueued
	n, err = m.UpdateTaskByRunState(ctx, "run-1", "DoWork", &queued, QueueTaskUpdate{Status: &processing})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "expectedStatus mismatch must not apply the update")
}

func TestMemory_FindTimersBefore_OnlyPending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	require.NoError(t, m.CreateTimer(ctx, &Timer{TimerID: "t1", RunID: "run-1", FireAt: now.Add(-time.Minute), Status: TimerPending}))
	require.NoError(t, m.CreateTimer(ctx, &Timer{TimerID: "t2", RunID: "run-1", FireAt: now.Add(time.Hour), Status: TimerPending}))
	cancelled := TimerCancelled
	require.NoError(t, m.CreateTimer(ctx, &Timer{TimerID: "t3", RunID: "run-1", FireAt: now.Add(-time.Minute), Status: TimerPending}))
	require.NoError(t, m.UpdateTimer(ctx, "t3", 1, TimerUpdate{Status: &cancelled}))

	due, err := m.FindTimersBefore(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].TimerID)
}

func TestMemory_WithTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.WithTransaction(ctx, func(ctx context.Context, tx Storage) error {
		return tx.CreateExecution(ctx, &Execution{RunID: "run-1", StartedAt: time.Now()})
	})
	require.NoError(t, err)

	boom := assertError("boom")
	err = m.WithTransaction(ctx, func(ctx context.Context, tx Storage) error {
		if createErr := tx.CreateExecution(ctx, &Execution{RunID: "run-2", StartedAt: time.Now()}); createErr != nil {
			return createErr
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = m.GetExecution(ctx, "run-2")
	require.Error(t, err, "run-2 must not be visible after a rolled-back transaction")

	got, err := m.GetExecution(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestMemory_AppendEvent_AssignsSequence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.AppendEvent(ctx, &Event{EventID: "e1", RunID: "run-1", Type: "StateEntered"}))
	require.NoError(t, m.AppendEvent(ctx, &Event{EventID: "e2", RunID: "run-1", Type: "StateExited"}))

	events, err := m.FindEventsByRunID(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}
