package queue

import (
	"context"
	"time"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// HybridQueue writes through to both an in-process MemoryQueue and a
// storage-backed PersistentQueue, but reads memory-first, falling back
// to persistent only when memory has nothing. This gives same-process polls the low
// latency of MemoryQueue while still surviving a restart (a worker
// that comes up after a crash finds its work in Persistent) and while
// letting a different process's worker observe tasks enqueued here.
type HybridQueue struct {
	mem  *MemoryQueue
	per  *PersistentQueue
	errs string // error_type reported by the reaper for exhausted attempts
}

func NewHybridQueue(cfg Config, s storage.QueueStorage) *HybridQueue {
	return &HybridQueue{
		mem:  NewMemoryQueue(cfg),
		per:  NewPersistentQueue(cfg, s),
		errs: MaxAttemptsExceededType,
	}
}

func (q *HybridQueue) Enqueue(ctx context.Context, queueName string, task *storage.QueueTask) error {
	if err := q.per.Enqueue(ctx, queueName, task); err != nil {
		return err
	}
	// Mirror the persisted task into memory (MemoryQueue.Enqueue gives
	// it Version 1 of its own) so reads of either backend agree.
	mirrored := *task
	return q.mem.Enqueue(ctx, queueName, &mirrored)
}

// Poll tries memory first without blocking the full timeout, then
// falls back to persistent for the remainder — a cross-process worker
// that only sees the DB still gets served within the same deadline.
func (q *HybridQueue) Poll(ctx context.Context, queueName, workerID string, timeout time.Duration) (*storage.QueueTask, error) {
	deadline := time.Now().Add(timeout)

	memTimeout := timeout
	if memTimeout > 20*time.Millisecond {
		memTimeout = 20 * time.Millisecond
	}
	if t, err := q.mem.Poll(ctx, queueName, workerID, memTimeout); err != nil {
		return nil, err
	} else if t != nil {
		// Claim the durable copy too, so the reaper and other processes
		// see the task as Processing rather than still Queued.
		stored, err := q.per.storage.GetQueueTask(ctx, t.TaskID)
		if err != nil {
			return nil, err
		}
		if stored.Status == storage.TaskQueued {
			status := storage.TaskProcessing
			worker := workerID
			if err := q.per.storage.UpdateQueueTask(ctx, t.TaskID, stored.Version, storage.QueueTaskUpdate{Status: &status, WorkerID: &worker}); err != nil {
				return nil, err
			}
		}
		return t, nil
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, nil
	}
	return q.per.Poll(ctx, queueName, workerID, remaining)
}

func (q *HybridQueue) Complete(ctx context.Context, taskID string, output map[string]any) error {
	if err := q.per.Complete(ctx, taskID, output); err != nil {
		return err
	}
	if err := q.mem.Complete(ctx, taskID, output); err != nil {
		// The task may have been claimed via the persistent path only
		// (e.g. another process polled it); that's not a failure here.
		return nil
	}
	return nil
}

func (q *HybridQueue) Fail(ctx context.Context, taskID string, errInfo map[string]any) error {
	if err := q.per.Fail(ctx, taskID, errInfo); err != nil {
		return err
	}
	_ = q.mem.Fail(ctx, taskID, errInfo)
	return nil
}

func (q *HybridQueue) Cancel(ctx context.Context, taskID string, reason string) error {
	if err := q.per.Cancel(ctx, taskID, reason); err != nil {
		return err
	}
	_ = q.mem.Cancel(ctx, taskID, reason)
	return nil
}

func (q *HybridQueue) Heartbeat(ctx context.Context, taskID string) error {
	if err := q.per.Heartbeat(ctx, taskID); err != nil {
		return err
	}
	_ = q.mem.Heartbeat(ctx, taskID)
	return nil
}

func (q *HybridQueue) Stats(ctx context.Context, queueName string) (Stats, error) {
	return q.per.Stats(ctx, queueName)
}

// Reap delegates to the persistent backend: memory-only tasks are
// process-local and die with their process, so only the durable side
// needs reclaiming.
func (q *HybridQueue) Reap(ctx context.Context, queueName string) (int, error) {
	return q.per.reap(ctx, queueName, q.errs)
}
