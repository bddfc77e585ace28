package storage

import "time"

type ExecutionMode string

const (
	ModeInline   ExecutionMode = "Inline"
	ModeDeferred ExecutionMode = "Deferred"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionWaiting   ExecutionStatus = "Waiting"
	ExecutionCompleted ExecutionStatus = "Completed"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
)

// Execution is one run of a workflow.
type Execution struct {
	RunID           string
	Mode            ExecutionMode
	Status          ExecutionStatus
	CurrentState    string
	ParentRunID     string
	ParentStateName string
	Context         map[string]any
	Result          map[string]any
	StartedAt       time.Time
	FinishedAt      *time.Time
	Version         int64
}

// ExecutionUpdate carries only the fields a caller wants to change;
// zero-value fields are left untouched by Update implementations.
type ExecutionUpdate struct {
	Status       *ExecutionStatus
	CurrentState *string
	Context      map[string]any
	Result       map[string]any
	FinishedAt   *time.Time
}

type StateStatus string

const (
	StatePending   StateStatus = "Pending"
	StateRunning   StateStatus = "Running"
	StateSucceeded StateStatus = "Succeeded"
	StateFailed    StateStatus = "Failed"
	StateCancelled StateStatus = "Cancelled"
)

// StateVisit is one (run, state) visit record. Re-entering a state
// (e.g. after retry) increments Attempt rather than creating a new
// row.
type StateVisit struct {
	StateID    string
	RunID      string
	StateName  string
	Status     StateStatus
	Input      map[string]any
	Output     map[string]any
	Error      map[string]any
	Attempt    int
	StartedAt  time.Time
	FinishedAt *time.Time
	Version    int64
}

type StateVisitUpdate struct {
	Status     *StateStatus
	Output     map[string]any
	Error      map[string]any
	Attempt    *int
	FinishedAt *time.Time
}

type QueueTaskStatus string

const (
	TaskQueued     QueueTaskStatus = "Queued"
	TaskProcessing QueueTaskStatus = "Processing"
	TaskSucceeded  QueueTaskStatus = "Succeeded"
	TaskFailed     QueueTaskStatus = "Failed"
	TaskRetrying   QueueTaskStatus = "Retrying"
	TaskCancelled  QueueTaskStatus = "Cancelled"
)

// TaskPayload is the wire shape for a queue task's work.
type TaskPayload struct {
	Resource   string         `json:"resource"`
	Input      map[string]any `json:"input"`
	Parameters map[string]any `json:"parameters"`
}

// QueueTask is one dispatched unit of work.
type QueueTask struct {
	TaskID       string
	QueueName    string
	RunID        string
	StateName    string
	Attempt      int
	Payload      TaskPayload
	Status       QueueTaskStatus
	Attempts     int
	MaxAttempts  int
	NextRetryAt  *time.Time
	WorkerID     string
	QueuedAt     time.Time
	HeartbeatAt  *time.Time
	Result       map[string]any
	Error        map[string]any
	Version      int64
}

type QueueTaskUpdate struct {
	Status      *QueueTaskStatus
	Attempts    *int
	WorkerID    *string
	NextRetryAt *time.Time
	HeartbeatAt *time.Time
	Result      map[string]any
	Error       map[string]any
}

type TimerStatus string

const (
	TimerPending   TimerStatus = "Pending"
	TimerFired     TimerStatus = "Fired"
	TimerCancelled TimerStatus = "Cancelled"
)

// Timer is a durable fire-at record.
type Timer struct {
	TimerID   string
	RunID     string
	ShardID   int
	FireAt    time.Time
	Status    TimerStatus
	StateName string
	Payload   map[string]any
	Version   int64
}

type TimerUpdate struct {
	Status *TimerStatus
}

// Event is one entry on the durable event log backing the event bus:
// critical state changes are recorded here, not only broadcast.
type Event struct {
	EventID   string
	RunID     string
	Seq       int64
	Type      string
	Timestamp time.Time
	Source    string
	Payload   map[string]any
}

// Activity is one tool/resource invocation attempt, the per-attempt
// history trail behind the "attempts" counters elsewhere.
type Activity struct {
	ActivityID string
	RunID      string
	StateName  string
	Attempt    int
	Resource   string
	Status     StateStatus
	Input      map[string]any
	Output     map[string]any
	Error      map[string]any
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Template is a named, versioned reusable DSL fragment (a Branch or a
// whole Workflow), supplementing TemplateStorage.
type Template struct {
	Name       string
	Version    int
	Definition map[string]any
	CreatedAt  time.Time
}

// Visibility is a searchable summary row for run listing/search,
// supplementing VisibilityStorage in the manner of a workflow
// engine's "visibility" index (list/search without touching the
// execution table directly).
type Visibility struct {
	RunID            string
	WorkflowName     string
	Status           ExecutionStatus
	StartedAt        time.Time
	FinishedAt       *time.Time
	SearchAttributes map[string]any
}
