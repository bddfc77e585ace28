package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// Memory is the in-memory reference Storage implementation used by
// every package's tests. Records are stored as pointers to immutable
// snapshots: every mutation replaces the pointer at a key rather than
// mutating a shared struct in place, which lets WithTransaction
// implement rollback by restoring a shallow clone of the top-level
// maps (pointer identity is the unit of change).
type Memory struct {
	mu sync.Mutex
	core
}

type core struct {
	executions map[string]*Execution
	states     map[string]*StateVisit
	queueTasks map[string]*QueueTask
	runState   map[string]string // runID|stateName -> taskID, most recent
	timers     map[string]*Timer
	events     map[string][]*Event
	eventSeq   map[string]int64
	activities map[string][]*Activity
	templates  map[string]*Template
	visibility map[string]*Visibility
}

func newCore() core {
	return core{
		executions: map[string]*Execution{},
		states:     map[string]*StateVisit{},
		queueTasks: map[string]*QueueTask{},
		runState:   map[string]string{},
		timers:     map[string]*Timer{},
		events:     map[string][]*Event{},
		eventSeq:   map[string]int64{},
		activities: map[string][]*Activity{},
		templates:  map[string]*Template{},
		visibility: map[string]*Visibility{},
	}
}

func (c core) clone() core {
	return core{
		executions: maps.Clone(c.executions),
		states:     maps.Clone(c.states),
		queueTasks: maps.Clone(c.queueTasks),
		runState:   maps.Clone(c.runState),
		timers:     maps.Clone(c.timers),
		events:     maps.Clone(c.events),
		eventSeq:   maps.Clone(c.eventSeq),
		activities: maps.Clone(c.activities),
		templates:  maps.Clone(c.templates),
		visibility: maps.Clone(c.visibility),
	}
}

func NewMemory() *Memory {
	return &Memory{core: newCore()}
}

// --- WorkflowStorage ---

func (c *core) createExecution(exec *Execution) error {
	if _, exists := c.executions[exec.RunID]; exists {
		return UniqueConstraintViolation("Execution", "run_id", exec.RunID)
	}
	cp := *exec
	cp.Version = 1
	c.executions[exec.RunID] = &cp
	return nil
}

func (c *core) getExecution(runID string) (*Execution, error) {
	e, ok := c.executions[runID]
	if !ok {
		return nil, NotFound("Execution", runID)
	}
	cp := *e
	return &cp, nil
}

func (c *core) updateExecution(runID string, version int64, changes ExecutionUpdate) error {
	e, ok := c.executions[runID]
	if !ok {
		return NotFound("Execution", runID)
	}
	if e.Version != version {
		return ConcurrentModification("Execution", runID, version, e.Version)
	}
	cp := *e
	if changes.Status != nil {
		cp.Status = *changes.Status
	}
	if changes.CurrentState != nil {
		cp.CurrentState = *changes.CurrentState
	}
	if changes.Context != nil {
		cp.Context = changes.Context
	}
	if changes.Result != nil {
		cp.Result = changes.Result
	}
	if changes.FinishedAt != nil {
		cp.FinishedAt = changes.FinishedAt
	}
	cp.Version = e.Version + 1
	c.executions[runID] = &cp
	return nil
}

func (m *Memory) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.createExecution(exec)
}

func (m *Memory) GetExecution(_ context.Context, runID string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.getExecution(runID)
}

func (m *Memory) FindExecutions(_ context.Context, limit, offset int) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Execution, 0, len(m.executions))
	for _, e := range m.executions {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RunID < all[j].RunID })
	return paginate(all, limit, offset), nil
}

func (m *Memory) FindExecutionsByStatus(_ context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Execution
	for _, e := range m.executions {
		if e.Status == status {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RunID < all[j].RunID })
	return paginate(all, limit, offset), nil
}

func (m *Memory) UpdateExecution(_ context.Context, runID string, version int64, changes ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.updateExecution(runID, version, changes)
}

func (m *Memory) DeleteExecution(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executions, runID)
	return nil
}

// --- StateStorage ---

func (c *core) createState(s *StateVisit) error {
	cp := *s
	cp.Version = 1
	c.states[s.StateID] = &cp
	return nil
}

func (c *core) updateState(stateID string, version int64, changes StateVisitUpdate) error {
	s, ok := c.states[stateID]
	if !ok {
		return NotFound("StateVisit", stateID)
	}
	if s.Version != version {
		return ConcurrentModification("StateVisit", stateID, version, s.Version)
	}
	cp := *s
	if changes.Status != nil {
		cp.Status = *changes.Status
	}
	if changes.Output != nil {
		cp.Output = changes.Output
	}
	if changes.Error != nil {
		cp.Error = changes.Error
	}
	if changes.Attempt != nil {
		cp.Attempt = *changes.Attempt
	}
	if changes.FinishedAt != nil {
		cp.FinishedAt = changes.FinishedAt
	}
	cp.Version = s.Version + 1
	c.states[stateID] = &cp
	return nil
}

func (m *Memory) CreateState(_ context.Context, s *StateVisit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.createState(s)
}

func (m *Memory) GetState(_ context.Context, stateID string) (*StateVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateID]
	if !ok {
		return nil, NotFound("StateVisit", stateID)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) FindStatesByRunID(_ context.Context, runID string, limit, offset int) ([]*StateVisit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*StateVisit
	for _, s := range m.states {
		if s.RunID == runID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })
	return paginate(all, limit, offset), nil
}

func (m *Memory) UpdateState(_ context.Context, stateID string, version int64, changes StateVisitUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.updateState(stateID, version, changes)
}

func (m *Memory) DeleteState(_ context.Context, stateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateID)
	return nil
}

// --- QueueStorage ---

func runStateKey(runID, stateName string) string { return runID + "|" + stateName }

func (c *core) createQueueTask(t *QueueTask) error {
	cp := *t
	cp.Version = 1
	c.queueTasks[t.TaskID] = &cp
	c.runState[runStateKey(t.RunID, t.StateName)] = t.TaskID
	return nil
}

func (c *core) updateQueueTask(taskID string, version int64, changes QueueTaskUpdate) error {
	t, ok := c.queueTasks[taskID]
	if !ok {
		return NotFound("QueueTask", taskID)
	}
	if t.Version != version {
		return ConcurrentModification("QueueTask", taskID, version, t.Version)
	}
	cp := applyQueueTaskUpdate(*t, changes)
	cp.Version = t.Version + 1
	c.queueTasks[taskID] = &cp
	return nil
}

func applyQueueTaskUpdate(cp QueueTask, changes QueueTaskUpdate) QueueTask {
	if changes.Status != nil {
		cp.Status = *changes.Status
	}
	if changes.Attempts != nil {
		cp.Attempts = *changes.Attempts
	}
	if changes.WorkerID != nil {
		cp.WorkerID = *changes.WorkerID
	}
	if changes.NextRetryAt != nil {
		cp.NextRetryAt = changes.NextRetryAt
	}
	if changes.HeartbeatAt != nil {
		cp.HeartbeatAt = changes.HeartbeatAt
	}
	if changes.Result != nil {
		cp.Result = changes.Result
	}
	if changes.Error != nil {
		cp.Error = changes.Error
	}
	return cp
}

func (m *Memory) CreateQueueTask(_ context.Context, t *QueueTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.createQueueTask(t)
}

func (m *Memory) GetQueueTask(_ context.Context, taskID string) (*QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.queueTasks[taskID]
	if !ok {
		return nil, NotFound("QueueTask", taskID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateQueueTask(_ context.Context, taskID string, version int64, changes QueueTaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.updateQueueTask(taskID, version, changes)
}

func (m *Memory) DeleteQueueTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queueTasks, taskID)
	return nil
}

func (m *Memory) FindQueueTasksByStatus(_ context.Context, queueName string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*QueueTask
	for _, t := range m.queueTasks {
		if t.Status == status && (queueName == "" || t.QueueName == queueName) {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].QueuedAt.Before(all[j].QueuedAt) })
	return paginate(all, limit, offset), nil
}

func (m *Memory) FindQueueTasksToRetry(_ context.Context, before time.Time, limit int) ([]*QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*QueueTask
	for _, t := range m.queueTasks {
		if t.Status == TaskRetrying && t.NextRetryAt != nil && !t.NextRetryAt.After(before) {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].NextRetryAt.Before(*all[j].NextRetryAt) })
	return paginate(all, limit, 0), nil
}

func (m *Memory) GetTaskByRunState(_ context.Context, runID, stateName string) (*QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taskID, ok := m.runState[runStateKey(runID, stateName)]
	if !ok {
		return nil, NotFound("QueueTask", runStateKey(runID, stateName))
	}
	t := m.queueTasks[taskID]
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateTaskByRunState(_ context.Context, runID, stateName string, expectedStatus *QueueTaskStatus, changes QueueTaskUpdate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	taskID, ok := m.runState[runStateKey(runID, stateName)]
	if !ok {
		return 0, nil
	}
	t := m.queueTasks[taskID]
	if expectedStatus != nil && t.Status != *expectedStatus {
		return 0, nil
	}
	cp := applyQueueTaskUpdate(*t, changes)
	cp.Version = t.Version + 1
	m.queueTasks[taskID] = &cp
	return 1, nil
}

// --- TimerStorage ---

func (c *core) createTimer(t *Timer) error {
	cp := *t
	cp.Version = 1
	c.timers[t.TimerID] = &cp
	return nil
}

func (c *core) updateTimer(timerID string, version int64, changes TimerUpdate) error {
	t, ok := c.timers[timerID]
	if !ok {
		return NotFound("Timer", timerID)
	}
	if t.Version != version {
		return ConcurrentModification("Timer", timerID, version, t.Version)
	}
	cp := *t
	if changes.Status != nil {
		cp.Status = *changes.Status
	}
	cp.Version = t.Version + 1
	c.timers[timerID] = &cp
	return nil
}

func (m *Memory) CreateTimer(_ context.Context, t *Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.createTimer(t)
}

func (m *Memory) GetTimer(_ context.Context, timerID string) (*Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[timerID]
	if !ok {
		return nil, NotFound("Timer", timerID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateTimer(_ context.Context, timerID string, version int64, changes TimerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.updateTimer(timerID, version, changes)
}

func (m *Memory) DeleteTimer(_ context.Context, timerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, timerID)
	return nil
}

func (m *Memory) FindTimersBefore(_ context.Context, before time.Time, limit int) ([]*Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Timer
	for _, t := range m.timers {
		if t.Status == TimerPending && !t.FireAt.After(before) {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].FireAt.Equal(all[j].FireAt) {
			return all[i].TimerID < all[j].TimerID
		}
		return all[i].FireAt.Before(all[j].FireAt)
	})
	return paginate(all, limit, 0), nil
}

// --- EventStorage ---

func (c *core) appendEvent(e *Event) error {
	c.eventSeq[e.RunID]++
	cp := *e
	cp.Seq = c.eventSeq[e.RunID]
	c.events[e.RunID] = append(append([]*Event{}, c.events[e.RunID]...), &cp)
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.core.appendEvent(e)
}

func (m *Memory) FindEventsByRunID(_ context.Context, runID string, limit, offset int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return paginate(append([]*Event{}, m.events[runID]...), limit, offset), nil
}

// --- ActivityStorage ---

func (m *Memory) CreateActivity(_ context.Context, a *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.activities[a.RunID] = append(m.activities[a.RunID], &cp)
	return nil
}

func (m *Memory) FindActivitiesByRunID(_ context.Context, runID string, limit, offset int) ([]*Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return paginate(append([]*Activity{}, m.activities[runID]...), limit, offset), nil
}

// --- TemplateStorage ---

func templateKey(name string, version int) string {
	return fmt.Sprintf("%s@%d", name, version)
}

func (m *Memory) PutTemplate(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.templates[templateKey(t.Name, t.Version)] = &cp
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, name string, version int) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[templateKey(name, version)]
	if !ok {
		return nil, NotFound("Template", name)
	}
	cp := *t
	return &cp, nil
}

// --- VisibilityStorage ---

func (m *Memory) UpsertVisibility(_ context.Context, v *Visibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.visibility[v.RunID] = &cp
	return nil
}

func (m *Memory) FindVisibility(_ context.Context, status ExecutionStatus, limit, offset int) ([]*Visibility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Visibility
	for _, v := range m.visibility {
		if status == "" || v.Status == status {
			all = append(all, v)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })
	return paginate(all, limit, offset), nil
}

func paginate[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
