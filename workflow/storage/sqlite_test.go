package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite("file:" + filepath.Join(t.TempDir(), "stepflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_ExecutionRoundTripAndOptimisticLock(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	exec := &Execution{
		RunID:        "run-1",
		Mode:         ModeInline,
		Status:       ExecutionRunning,
		CurrentState: "Start",
		Context:      map[string]any{"x": 1.0},
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1.0, got.Context["x"])

	completed := ExecutionCompleted
	require.NoError(t, s.UpdateExecution(ctx, "run-1", 1, ExecutionUpdate{Status: &completed}))

	// A stale version must fail with ConcurrentModification, never
	// silently win.
	err = s.UpdateExecution(ctx, "run-1", 1, ExecutionUpdate{Status: &completed})
	require.Error(t, err)
	se, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindConcurrentModification, se.Kind)

	// Duplicate create violates the primary key.
	err = s.CreateExecution(ctx, exec)
	require.Error(t, err)
	se, ok = err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindUniqueConstraintViolation, se.Kind)
}

func TestSQLite_StateVisitsOrderedByStart(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	base := time.Now().UTC()
	for i, name := range []string{"A", "B", "C"} {
		require.NoError(t, s.CreateState(ctx, &StateVisit{
			StateID:   name,
			RunID:     "run-1",
			StateName: name,
			Status:    StateSucceeded,
			Attempt:   1,
			StartedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	visits, err := s.FindStatesByRunID(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, visits, 3)
	assert.Equal(t, "A", visits[0].StateName)
	assert.Equal(t, "C", visits[2].StateName)
}

func TestSQLite_QueueTaskConditionalUpdateByRunState(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	task := &QueueTask{
		TaskID:      "t1",
		QueueName:   "default",
		RunID:       "run-1",
		StateName:   "Work",
		Attempt:     1,
		Payload:     TaskPayload{Resource: "echo"},
		Status:      TaskQueued,
		MaxAttempts: 3,
		QueuedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateQueueTask(ctx, task))

	processing := TaskProcessing
	worker := "w1"
	n, err := s.UpdateTaskByRunState(ctx, "run-1", "Work", ptrStatus(TaskQueued), QueueTaskUpdate{Status: &processing, WorkerID: &worker})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The expected status no longer matches: zero rows, no error.
	n, err = s.UpdateTaskByRunState(ctx, "run-1", "Work", ptrStatus(TaskQueued), QueueTaskUpdate{Status: &processing})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// No such (run, state): zero rows, no error.
	n, err = s.UpdateTaskByRunState(ctx, "run-9", "Work", nil, QueueTaskUpdate{Status: &processing})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.GetTaskByRunState(ctx, "run-1", "Work")
	require.NoError(t, err)
	assert.Equal(t, TaskProcessing, got.Status)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, "echo", got.Payload.Resource)
}

func ptrStatus(s QueueTaskStatus) *QueueTaskStatus { return &s }

func TestSQLite_TimersFireInOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	now := time.Now().UTC()
	for i, id := range []string{"late", "early", "mid"} {
		offsets := []time.Duration{30 * time.Second, 10 * time.Second, 20 * time.Second}
		require.NoError(t, s.CreateTimer(ctx, &Timer{
			TimerID:   id,
			RunID:     "run-1",
			FireAt:    now.Add(offsets[i]),
			Status:    TimerPending,
			StateName: "Pause",
		}))
	}

	due, err := s.FindTimersBefore(ctx, now.Add(25*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].TimerID)
	assert.Equal(t, "mid", due[1].TimerID)

	fired := TimerFired
	require.NoError(t, s.UpdateTimer(ctx, "early", 1, TimerUpdate{Status: &fired}))
	err = s.UpdateTimer(ctx, "early", 1, TimerUpdate{Status: &fired})
	require.Error(t, err)
}

func TestSQLite_EventsGetPerRunSequence(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	for i, id := range []string{"e1", "e2", "e3"} {
		run := "run-1"
		if i == 2 {
			run = "run-2"
		}
		require.NoError(t, s.AppendEvent(ctx, &Event{
			EventID:   id,
			RunID:     run,
			Type:      "NodeEnter",
			Timestamp: time.Now().UTC(),
			Source:    "engine",
		}))
	}

	events, err := s.FindEventsByRunID(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)

	other, err := s.FindEventsByRunID(ctx, "run-2", 0, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Seq)
}

func TestSQLite_TemplateAndVisibility(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	require.NoError(t, s.PutTemplate(ctx, &Template{
		Name:       "wf",
		Version:    1,
		Definition: map[string]any{"StartAt": "A"},
		CreatedAt:  time.Now().UTC(),
	}))
	tpl, err := s.GetTemplate(ctx, "wf", 1)
	require.NoError(t, err)
	assert.Equal(t, "A", tpl.Definition["StartAt"])

	v := &Visibility{RunID: "run-1", WorkflowName: "wf", Status: ExecutionRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, s.UpsertVisibility(ctx, v))
	v.Status = ExecutionCompleted
	require.NoError(t, s.UpsertVisibility(ctx, v))

	rows, err := s.FindVisibility(ctx, ExecutionCompleted, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	all, err := s.FindVisibility(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_WithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	err := s.WithTransaction(ctx, func(ctx context.Context, tx Storage) error {
		if err := tx.CreateExecution(ctx, &Execution{
			RunID:        "run-tx",
			Mode:         ModeInline,
			Status:       ExecutionRunning,
			CurrentState: "Start",
			Context:      map[string]any{},
			StartedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = s.GetExecution(ctx, "run-tx")
	require.Error(t, err, "rolled-back execution must not be visible")

	// A committed transaction groups writes atomically.
	err = s.WithTransaction(ctx, func(ctx context.Context, tx Storage) error {
		if err := tx.CreateExecution(ctx, &Execution{
			RunID:        "run-tx",
			Mode:         ModeInline,
			Status:       ExecutionRunning,
			CurrentState: "Start",
			Context:      map[string]any{},
			StartedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &Event{EventID: "e1", RunID: "run-tx", Type: "WorkflowStarted", Timestamp: time.Now().UTC()})
	})
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, "run-tx")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Status)
	events, err := s.FindEventsByRunID(ctx, "run-tx", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
