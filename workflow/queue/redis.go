package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// RedisQueue is a distributed Persistent backend for deployments that
// run the match service across multiple processes without a shared SQL
// database, using the classic Redis reliable-queue pattern: a
// blocking list pop for delivery, and a deadline-scored sorted set for
// in-flight tracking so a reaper can find overdue tasks without a full
// scan. Task bodies are stored as JSON strings and mutated through
// Redis WATCH transactions for the optimistic-concurrency guarantee
// the rest of this package gives every backend.
type RedisQueue struct {
	cfg    Config
	client *redis.Client
}

func NewRedisQueue(cfg Config, client *redis.Client) *RedisQueue {
	return &RedisQueue{cfg: cfg, client: client}
}

func taskKey(taskID string) string       { return "stepflow:queue:task:" + taskID }
func pendingKey(queueName string) string { return "stepflow:queue:pending:" + queueName }
func inFlightKey(queueName string) string {
	return "stepflow:queue:inflight:" + queueName
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, task *storage.QueueTask) error {
	if task.MaxAttempts == 0 {
		task.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	task.QueueName = queueName
	task.Status = storage.TaskQueued
	task.QueuedAt = time.Now().UTC()
	task.Version = 1

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.TaskID), data, 0)
	pipe.LPush(ctx, pendingKey(queueName), task.TaskID)
	_, err = pipe.Exec(ctx)
	return err
}

// updateTask applies mutate to the stored task under a WATCH
// transaction, bumping Version, and returns the updated copy. Unlike
// the storage.Storage backends it does not take an expected version —
// Redis's WATCH already fails the whole transaction if the key changed
// between the read and the write, which is the same guarantee.
func (q *RedisQueue) updateTask(ctx context.Context, taskID string, mutate func(*storage.QueueTask)) (*storage.QueueTask, error) {
	key := taskKey(taskID)
	var result *storage.QueueTask
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return storage.NotFound("QueueTask", taskID)
		}
		if err != nil {
			return err
		}
		var t storage.QueueTask
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		mutate(&t)
		t.Version++
		data, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = &t
		return nil
	}, key)
	return result, err
}

func (q *RedisQueue) getTask(ctx context.Context, taskID string) (*storage.QueueTask, error) {
	raw, err := q.client.Get(ctx, taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, storage.NotFound("QueueTask", taskID)
	}
	if err != nil {
		return nil, err
	}
	var t storage.QueueTask
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *RedisQueue) Poll(ctx context.Context, queueName, workerID string, timeout time.Duration) (*storage.QueueTask, error) {
	res, err := q.client.BRPop(ctx, timeout, pendingKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	taskID := res[1]

	t, err := q.updateTask(ctx, taskID, func(t *storage.QueueTask) {
		t.Status = storage.TaskProcessing
		t.WorkerID = workerID
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(q.heartbeatTimeout()).Unix()
	if err := q.client.ZAdd(ctx, inFlightKey(queueName), redis.Z{Score: float64(deadline), Member: taskID}).Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *RedisQueue) heartbeatTimeout() time.Duration {
	if q.cfg.HeartbeatTimeout <= 0 {
		return 30 * time.Second
	}
	return q.cfg.HeartbeatTimeout
}

func (q *RedisQueue) Complete(ctx context.Context, taskID string, output map[string]any) error {
	t, err := q.updateTask(ctx, taskID, func(t *storage.QueueTask) {
		t.Status = storage.TaskSucceeded
		t.Result = output
	})
	if err != nil {
		return err
	}
	return q.client.ZRem(ctx, inFlightKey(t.QueueName), taskID).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, taskID string, errInfo map[string]any) error {
	t, err := q.updateTask(ctx, taskID, func(t *storage.QueueTask) {
		t.Status = storage.TaskFailed
		t.Error = errInfo
	})
	if err != nil {
		return err
	}
	return q.client.ZRem(ctx, inFlightKey(t.QueueName), taskID).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, taskID string, reason string) error {
	t, err := q.updateTask(ctx, taskID, func(t *storage.QueueTask) {
		if t.Status == storage.TaskSucceeded || t.Status == storage.TaskFailed || t.Status == storage.TaskCancelled {
			return
		}
		t.Status = storage.TaskCancelled
		t.Error = map[string]any{"error_type": "Cancelled", "message": reason}
	})
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inFlightKey(t.QueueName), taskID)
	pipe.LRem(ctx, pendingKey(t.QueueName), 0, taskID)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Heartbeat(ctx context.Context, taskID string) error {
	t, err := q.updateTask(ctx, taskID, func(t *storage.QueueTask) {
		now := time.Now().UTC()
		t.HeartbeatAt = &now
	})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(q.heartbeatTimeout()).Unix()
	return q.client.ZAdd(ctx, inFlightKey(t.QueueName), redis.Z{Score: float64(deadline), Member: taskID}).Err()
}

func (q *RedisQueue) Stats(ctx context.Context, queueName string) (Stats, error) {
	pending, err := q.client.LLen(ctx, pendingKey(queueName)).Result()
	if err != nil {
		return Stats{}, err
	}
	processing, err := q.client.ZCard(ctx, inFlightKey(queueName)).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: int(pending), Processing: int(processing)}, nil
}

// Reap satisfies Reapable using the standard MaxAttemptsExceeded type.
func (q *RedisQueue) Reap(ctx context.Context, queueName string) (int, error) {
	return q.reap(ctx, queueName, MaxAttemptsExceededType)
}

// reap finds in-flight tasks whose deadline has passed and either
// requeues them with an incremented attempt count, or fails them with
// maxAttemptsErrType once MaxAttempts is exhausted.
func (q *RedisQueue) reap(ctx context.Context, queueName, maxAttemptsErrType string) (int, error) {
	now := time.Now().Unix()
	expired, err := q.client.ZRangeByScore(ctx, inFlightKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, taskID := range expired {
		t, err := q.updateTask(ctx, taskID, func(t *storage.QueueTask) {
			t.Attempts++
			if t.Attempts >= t.MaxAttempts {
				t.Status = storage.TaskFailed
				t.Error = map[string]any{"error_type": maxAttemptsErrType, "message": "max attempts exceeded"}
			} else {
				t.Status = storage.TaskQueued
				t.QueuedAt = time.Now().UTC()
			}
		})
		if err != nil {
			continue
		}
		if err := q.client.ZRem(ctx, inFlightKey(queueName), taskID).Err(); err != nil {
			return n, err
		}
		if t.Status == storage.TaskQueued {
			if err := q.client.LPush(ctx, pendingKey(queueName), taskID).Err(); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}
