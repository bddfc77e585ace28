package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// MemoryQueue is the in-process, non-durable Service backend: all
// state lives in maps guarded by a mutex, and Poll blocks on a
// per-queue-name notification channel rather than a busy poll.
// Restarting the process loses every task.
type MemoryQueue struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[string]*storage.QueueTask
	ready   map[string]chan struct{} // queueName -> wakeup signal
	waiting map[string]*int32        // queueName -> waiting-worker counter
}

func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		cfg:     cfg,
		tasks:   make(map[string]*storage.QueueTask),
		ready:   make(map[string]chan struct{}),
		waiting: make(map[string]*int32),
	}
}

func (q *MemoryQueue) signal(queueName string) {
	ch, ok := q.ready[queueName]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) waitChan(queueName string) chan struct{} {
	ch, ok := q.ready[queueName]
	if !ok {
		ch = make(chan struct{}, 1)
		q.ready[queueName] = ch
	}
	return ch
}

func (q *MemoryQueue) waitCounter(queueName string) *int32 {
	c, ok := q.waiting[queueName]
	if !ok {
		var zero int32
		c = &zero
		q.waiting[queueName] = c
	}
	return c
}

func (q *MemoryQueue) Enqueue(_ context.Context, queueName string, task *storage.QueueTask) error {
	if task.MaxAttempts == 0 {
		task.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	task.QueueName = queueName
	task.Status = storage.TaskQueued
	task.QueuedAt = time.Now().UTC()
	task.Version = 1

	q.mu.Lock()
	cp := *task
	q.tasks[task.TaskID] = &cp
	q.signal(queueName)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) oldestQueued(queueName string) *storage.QueueTask {
	var candidates []*storage.QueueTask
	for _, t := range q.tasks {
		if t.QueueName == queueName && t.Status == storage.TaskQueued {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].QueuedAt.Before(candidates[j].QueuedAt) })
	return candidates[0]
}

func (q *MemoryQueue) Poll(ctx context.Context, queueName, workerID string, timeout time.Duration) (*storage.QueueTask, error) {
	q.mu.Lock()
	counter := q.waitCounter(queueName)
	atomic.AddInt32(counter, 1)
	q.mu.Unlock()
	defer atomic.AddInt32(counter, -1)

	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if t := q.oldestQueued(queueName); t != nil {
			t.Status = storage.TaskProcessing
			t.WorkerID = workerID
			t.Version++
			cp := *t
			q.mu.Unlock()
			return &cp, nil
		}
		ch := q.waitChan(queueName)
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
			continue
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

func (q *MemoryQueue) Complete(_ context.Context, taskID string, output map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("queue: task %q not found", taskID)
	}
	t.Status = storage.TaskSucceeded
	t.Result = output
	t.Version++
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, taskID string, errInfo map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("queue: task %q not found", taskID)
	}
	t.Status = storage.TaskFailed
	t.Error = errInfo
	t.Version++
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, taskID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("queue: task %q not found", taskID)
	}
	if t.Status == storage.TaskSucceeded || t.Status == storage.TaskFailed || t.Status == storage.TaskCancelled {
		return nil
	}
	t.Status = storage.TaskCancelled
	t.Error = map[string]any{"error_type": "Cancelled", "message": reason}
	t.Version++
	return nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("queue: task %q not found", taskID)
	}
	now := time.Now().UTC()
	t.HeartbeatAt = &now
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context, queueName string) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, t := range q.tasks {
		if t.QueueName != queueName {
			continue
		}
		switch t.Status {
		case storage.TaskQueued:
			s.Pending++
		case storage.TaskProcessing:
			s.Processing++
		}
	}
	if c, ok := q.waiting[queueName]; ok {
		s.WaitingWorkers = int(atomic.LoadInt32(c))
	}
	return s, nil
}

// reclaimStale scans for Processing tasks whose heartbeat is older
// than staleAfter and requeues them, incrementing Attempts; tasks that
// have exhausted MaxAttempts are failed with MaxAttemptsExceeded
// instead.
func (q *MemoryQueue) reclaimStale(staleAfter time.Duration, maxAttemptsErrType string) int {
	cutoff := time.Now().Add(-staleAfter)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status != storage.TaskProcessing {
			continue
		}
		last := t.QueuedAt
		if t.HeartbeatAt != nil {
			last = *t.HeartbeatAt
		}
		if last.After(cutoff) {
			continue
		}
		t.Attempts++
		if t.Attempts >= t.MaxAttempts {
			t.Status = storage.TaskFailed
			t.Error = map[string]any{"error_type": maxAttemptsErrType, "message": "max attempts exceeded"}
		} else {
			t.Status = storage.TaskQueued
			t.QueuedAt = time.Now().UTC()
			q.signal(t.QueueName)
		}
		t.Version++
		n++
	}
	return n
}
