package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// PersistentQueue is the storage-backed Service: every task survives a
// restart. Poll has no in-process wakeup signal to rely on (the writer
// may be a different process entirely), so it long-polls by re-scanning
// storage every PersistentPollInterval until a task is claimed or
// timeout elapses — the DB-backed analogue of MemoryQueue's channel
// wakeup.
type PersistentQueue struct {
	cfg     Config
	storage storage.QueueStorage
}

func NewPersistentQueue(cfg Config, s storage.QueueStorage) *PersistentQueue {
	return &PersistentQueue{cfg: cfg, storage: s}
}

func (q *PersistentQueue) Enqueue(ctx context.Context, queueName string, task *storage.QueueTask) error {
	if task.MaxAttempts == 0 {
		task.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	task.QueueName = queueName
	task.Status = storage.TaskQueued
	task.QueuedAt = time.Now().UTC()
	return q.storage.CreateQueueTask(ctx, task)
}

// claimOne tries to atomically move the single oldest Queued task on
// queueName to Processing via a conditional update that only wins if
// the task is still Queued. A concurrent-modification loss is not
// itself an error: the caller just tries the next candidate.
func (q *PersistentQueue) claimOne(ctx context.Context, queueName, workerID string) (*storage.QueueTask, error) {
	candidates, err := q.storage.FindQueueTasksByStatus(ctx, queueName, storage.TaskQueued, 8, 0)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		status := storage.TaskProcessing
		workerCopy := workerID
		err := q.storage.UpdateQueueTask(ctx, t.TaskID, t.Version, storage.QueueTaskUpdate{
			Status:   &status,
			WorkerID: &workerCopy,
		})
		if err == nil {
			claimed, err := q.storage.GetQueueTask(ctx, t.TaskID)
			if err != nil {
				return nil, err
			}
			return claimed, nil
		}
		if se, ok := err.(*storage.Error); ok && se.Kind == storage.KindConcurrentModification {
			continue // lost the race, try the next candidate
		}
		return nil, err
	}
	return nil, nil
}

func (q *PersistentQueue) Poll(ctx context.Context, queueName, workerID string, timeout time.Duration) (*storage.QueueTask, error) {
	deadline := time.Now().Add(timeout)
	interval := q.cfg.PersistentPollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		t, err := q.claimOne(ctx, queueName, workerID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *PersistentQueue) Complete(ctx context.Context, taskID string, output map[string]any) error {
	t, err := q.storage.GetQueueTask(ctx, taskID)
	if err != nil {
		return err
	}
	status := storage.TaskSucceeded
	return q.storage.UpdateQueueTask(ctx, taskID, t.Version, storage.QueueTaskUpdate{Status: &status, Result: output})
}

func (q *PersistentQueue) Fail(ctx context.Context, taskID string, errInfo map[string]any) error {
	t, err := q.storage.GetQueueTask(ctx, taskID)
	if err != nil {
		return err
	}
	status := storage.TaskFailed
	return q.storage.UpdateQueueTask(ctx, taskID, t.Version, storage.QueueTaskUpdate{Status: &status, Error: errInfo})
}

func (q *PersistentQueue) Cancel(ctx context.Context, taskID string, reason string) error {
	t, err := q.storage.GetQueueTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == storage.TaskSucceeded || t.Status == storage.TaskFailed || t.Status == storage.TaskCancelled {
		return nil
	}
	status := storage.TaskCancelled
	return q.storage.UpdateQueueTask(ctx, taskID, t.Version, storage.QueueTaskUpdate{
		Status: &status,
		Error:  map[string]any{"error_type": "Cancelled", "message": reason},
	})
}

func (q *PersistentQueue) Heartbeat(ctx context.Context, taskID string) error {
	t, err := q.storage.GetQueueTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return q.storage.UpdateQueueTask(ctx, taskID, t.Version, storage.QueueTaskUpdate{HeartbeatAt: &now})
}

func (q *PersistentQueue) Stats(ctx context.Context, queueName string) (Stats, error) {
	pending, err := q.storage.FindQueueTasksByStatus(ctx, queueName, storage.TaskQueued, 0, 0)
	if err != nil {
		return Stats{}, err
	}
	processing, err := q.storage.FindQueueTasksByStatus(ctx, queueName, storage.TaskProcessing, 0, 0)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: len(pending), Processing: len(processing)}, nil
}

// Reap satisfies Reapable using the standard MaxAttemptsExceeded type.
func (q *PersistentQueue) Reap(ctx context.Context, queueName string) (int, error) {
	return q.reap(ctx, queueName, MaxAttemptsExceededType)
}

// reap reclaims Processing tasks whose heartbeat is stale past the
// configured threshold, returning each to Queued with an incremented
// attempt count; a task that reaches max_attempts is failed with
// MaxAttemptsExceeded instead.
func (q *PersistentQueue) reap(ctx context.Context, queueName, maxAttemptsErrType string) (int, error) {
	processing, err := q.storage.FindQueueTasksByStatus(ctx, queueName, storage.TaskProcessing, q.cfg.ReapLimit, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-q.cfg.HeartbeatTimeout)
	n := 0
	for _, t := range processing {
		last := t.QueuedAt
		if t.HeartbeatAt != nil {
			last = *t.HeartbeatAt
		}
		if last.After(cutoff) {
			continue
		}
		attempts := t.Attempts + 1
		var changes storage.QueueTaskUpdate
		changes.Attempts = &attempts
		if attempts >= t.MaxAttempts {
			status := storage.TaskFailed
			changes.Status = &status
			changes.Error = map[string]any{"error_type": maxAttemptsErrType, "message": "max attempts exceeded"}
		} else {
			status := storage.TaskQueued
			changes.Status = &status
		}
		if err := q.storage.UpdateQueueTask(ctx, t.TaskID, t.Version, changes); err != nil {
			if se, ok := err.(*storage.Error); ok && se.Kind == storage.KindConcurrentModification {
				continue
			}
			return n, fmt.Errorf("queue: reap task %s: %w", t.TaskID, err)
		}
		n++
	}
	return n, nil
}
