package storage

import (
	"context"
	"time"
)

// WorkflowStorage persists Execution records.
type WorkflowStorage interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, runID string) (*Execution, error)
	FindExecutions(ctx context.Context, limit, offset int) ([]*Execution, error)
	FindExecutionsByStatus(ctx context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error)
	UpdateExecution(ctx context.Context, runID string, version int64, changes ExecutionUpdate) error
	DeleteExecution(ctx context.Context, runID string) error
}

// StateStorage persists StateVisit records.
type StateStorage interface {
	CreateState(ctx context.Context, state *StateVisit) error
	GetState(ctx context.Context, stateID string) (*StateVisit, error)
	FindStatesByRunID(ctx context.Context, runID string, limit, offset int) ([]*StateVisit, error)
	UpdateState(ctx context.Context, stateID string, version int64, changes StateVisitUpdate) error
	DeleteState(ctx context.Context, stateID string) error
}

// QueueStorage persists QueueTask records, including the (run_id,
// state_name)-keyed lookup the engine uses to find the task backing a
// state's pending dispatch.
type QueueStorage interface {
	CreateQueueTask(ctx context.Context, task *QueueTask) error
	GetQueueTask(ctx context.Context, taskID string) (*QueueTask, error)
	UpdateQueueTask(ctx context.Context, taskID string, version int64, changes QueueTaskUpdate) error
	DeleteQueueTask(ctx context.Context, taskID string) error
	FindQueueTasksByStatus(ctx context.Context, queueName string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error)
	FindQueueTasksToRetry(ctx context.Context, before time.Time, limit int) ([]*QueueTask, error)
	GetTaskByRunState(ctx context.Context, runID, stateName string) (*QueueTask, error)
	UpdateTaskByRunState(ctx context.Context, runID, stateName string, expectedStatus *QueueTaskStatus, changes QueueTaskUpdate) (int, error)
}

// TimerStorage persists Timer records.
type TimerStorage interface {
	CreateTimer(ctx context.Context, timer *Timer) error
	GetTimer(ctx context.Context, timerID string) (*Timer, error)
	UpdateTimer(ctx context.Context, timerID string, version int64, changes TimerUpdate) error
	DeleteTimer(ctx context.Context, timerID string) error
	FindTimersBefore(ctx context.Context, before time.Time, limit int) ([]*Timer, error)
}

// EventStorage persists the durable event log.
type EventStorage interface {
	AppendEvent(ctx context.Context, event *Event) error
	FindEventsByRunID(ctx context.Context, runID string, limit, offset int) ([]*Event, error)
}

// ActivityStorage persists per-attempt tool invocation history.
type ActivityStorage interface {
	CreateActivity(ctx context.Context, a *Activity) error
	FindActivitiesByRunID(ctx context.Context, runID string, limit, offset int) ([]*Activity, error)
}

// TemplateStorage persists named, versioned DSL fragments.
type TemplateStorage interface {
	PutTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, name string, version int) (*Template, error)
}

// VisibilityStorage persists searchable run summaries.
type VisibilityStorage interface {
	UpsertVisibility(ctx context.Context, v *Visibility) error
	FindVisibility(ctx context.Context, status ExecutionStatus, limit, offset int) ([]*Visibility, error)
}

// Storage combines every capability interface.
type Storage interface {
	WorkflowStorage
	StateStorage
	EventStorage
	ActivityStorage
	QueueStorage
	TimerStorage
	TemplateStorage
	VisibilityStorage
}

// TransactionManager groups multi-table writes that must be atomic —
// notably "transition engine state + enqueue next task + record
// event". Implementations run fn against a Storage bound
// to a single transaction; any error rolls the transaction back.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error
}
