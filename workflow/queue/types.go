// Package queue implements the Match Service: a durable
// task queue between the Workflow Engine and external workers, with
// push/poll/complete/fail/heartbeat semantics and three interchangeable
// backends — Memory (in-process, non-durable), Persistent (storage-
// backed, survives restart), and Hybrid (writes both, reads memory-
// first, so a same-process poll is served without scanning storage).
package queue

import (
	"context"
	"time"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// MaxAttemptsExceededType is the exception-taxonomy error type name
// reported on tasks the reaper fails once their retry budget is spent
// (see workflow/exception's registered "MaxAttemptsExceeded" type).
const MaxAttemptsExceededType = "MaxAttemptsExceeded"

// Service is the match service contract the engine and workers share.
type Service interface {
	// Enqueue durably persists task as Queued on queueName.
	Enqueue(ctx context.Context, queueName string, task *storage.QueueTask) error

	// Poll atomically claims the oldest Queued task on queueName,
	// marking it Processing under workerID. It blocks up to timeout
	// and returns (nil, nil) if nothing becomes available in time.
	Poll(ctx context.Context, queueName, workerID string, timeout time.Duration) (*storage.QueueTask, error)

	// Complete transitions Processing -> Succeeded and stores output.
	Complete(ctx context.Context, taskID string, output map[string]any) error

	// Fail transitions Processing -> Failed and stores the error.
	Fail(ctx context.Context, taskID string, errInfo map[string]any) error

	// Heartbeat refreshes a Processing task's liveness timestamp.
	Heartbeat(ctx context.Context, taskID string) error

	// Cancel transitions a not-yet-terminal task to Cancelled. Used
	// when the owning run is cancelled: Queued tasks are dropped right
	// away, Processing ones on their worker's next heartbeat.
	Cancel(ctx context.Context, taskID string, reason string) error

	// Stats reports current queue depth and waiting-worker count.
	Stats(ctx context.Context, queueName string) (Stats, error)
}

// Stats is the match service's observability snapshot for one queue.
type Stats struct {
	Pending        int
	Processing     int
	WaitingWorkers int
}
