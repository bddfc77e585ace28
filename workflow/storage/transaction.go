package storage

import (
	"context"
	"sort"
	"time"
)

// WithTransaction implements TransactionManager for Memory. It holds
// the single coarse-grained lock for the duration of fn and hands fn
// a txStorage bound to a clone of the current maps; on error the
// clone is discarded (leaving the live core untouched), on success
// the clone is committed back. Because every mutation above replaces
// a map entry's pointer rather than editing in place, cloning the
// top-level maps is enough to isolate the transaction.
func (m *Memory) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scratch := m.core.clone()
	tx := &txStorage{c: &scratch}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.core = scratch
	return nil
}

// txStorage implements Storage against a core clone, with no locking
// of its own: the enclosing Memory.WithTransaction already holds the
// lock for the transaction's whole lifetime.
type txStorage struct {
	c *core
}

func (tx *txStorage) CreateExecution(_ context.Context, exec *Execution) error {
	return tx.c.createExecution(exec)
}

func (tx *txStorage) GetExecution(_ context.Context, runID string) (*Execution, error) {
	return tx.c.getExecution(runID)
}

func (tx *txStorage) FindExecutions(_ context.Context, limit, offset int) ([]*Execution, error) {
	all := make([]*Execution, 0, len(tx.c.executions))
	for _, e := range tx.c.executions {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RunID < all[j].RunID })
	return paginate(all, limit, offset), nil
}

func (tx *txStorage) FindExecutionsByStatus(_ context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error) {
	var all []*Execution
	for _, e := range tx.c.executions {
		if e.Status == status {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RunID < all[j].RunID })
	return paginate(all, limit, offset), nil
}

func (tx *txStorage) UpdateExecution(_ context.Context, runID string, version int64, changes ExecutionUpdate) error {
	return tx.c.updateExecution(runID, version, changes)
}

func (tx *txStorage) DeleteExecution(_ context.Context, runID string) error {
	delete(tx.c.executions, runID)
	return nil
}

func (tx *txStorage) CreateState(_ context.Context, s *StateVisit) error {
	return tx.c.createState(s)
}

func (tx *txStorage) GetState(_ context.Context, stateID string) (*StateVisit, error) {
	s, ok := tx.c.states[stateID]
	if !ok {
		return nil, NotFound("StateVisit", stateID)
	}
	cp := *s
	return &cp, nil
}

func (tx *txStorage) FindStatesByRunID(_ context.Context, runID string, limit, offset int) ([]*StateVisit, error) {
	var all []*StateVisit
	for _, s := range tx.c.states {
		if s.RunID == runID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })
	return paginate(all, limit, offset), nil
}

func (tx *txStorage) UpdateState(_ context.Context, stateID string, version int64, changes StateVisitUpdate) error {
	return tx.c.updateState(stateID, version, changes)
}

func (tx *txStorage) DeleteState(_ context.Context, stateID string) error {
	delete(tx.c.states, stateID)
	return nil
}

func (tx *txStorage) CreateQueueTask(_ context.Context, t *QueueTask) error {
	return tx.c.createQueueTask(t)
}

func (tx *txStorage) GetQueueTask(_ context.Context, taskID string) (*QueueTask, error) {
	t, ok := tx.c.queueTasks[taskID]
	if !ok {
		return nil, NotFound("QueueTask", taskID)
	}
	cp := *t
	return &cp, nil
}

func (tx *txStorage) UpdateQueueTask(_ context.Context, taskID string, version int64, changes QueueTaskUpdate) error {
	return tx.c.updateQueueTask(taskID, version, changes)
}

func (tx *txStorage) DeleteQueueTask(_ context.Context, taskID string) error {
	delete(tx.c.queueTasks, taskID)
	return nil
}

func (tx *txStorage) FindQueueTasksByStatus(_ context.Context, queueName string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error) {
	var all []*QueueTask
	for _, t := range tx.c.queueTasks {
		if t.Status == status && (queueName == "" || t.QueueName == queueName) {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].QueuedAt.Before(all[j].QueuedAt) })
	return paginate(all, limit, offset), nil
}

func (tx *txStorage) FindQueueTasksToRetry(_ context.Context, before time.Time, limit int) ([]*QueueTask, error) {
	var all []*QueueTask
	for _, t := range tx.c.queueTasks {
		if t.Status == TaskRetrying && t.NextRetryAt != nil && !t.NextRetryAt.After(before) {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].NextRetryAt.Before(*all[j].NextRetryAt) })
	return paginate(all, limit, 0), nil
}

func (tx *txStorage) GetTaskByRunState(_ context.Context, runID, stateName string) (*QueueTask, error) {
	taskID, ok := tx.c.runState[runStateKey(runID, stateName)]
	if !ok {
		return nil, NotFound("QueueTask", runStateKey(runID, stateName))
	}
	cp := *tx.c.queueTasks[taskID]
	return &cp, nil
}

func (tx *txStorage) UpdateTaskByRunState(_ context.Context, runID, stateName string, expectedStatus *QueueTaskStatus, changes QueueTaskUpdate) (int, error) {
	taskID, ok := tx.c.runState[runStateKey(runID, stateName)]
	if !ok {
		return 0, nil
	}
	t := tx.c.queueTasks[taskID]
	if expectedStatus != nil && t.Status != *expectedStatus {
		return 0, nil
	}
	cp := applyQueueTaskUpdate(*t, changes)
	cp.Version = t.Version + 1
	tx.c.queueTasks[taskID] = &cp
	return 1, nil
}

func (tx *txStorage) CreateTimer(_ context.Context, t *Timer) error {
	return tx.c.createTimer(t)
}

func (tx *txStorage) GetTimer(_ context.Context, timerID string) (*Timer, error) {
	t, ok := tx.c.timers[timerID]
	if !ok {
		return nil, NotFound("Timer", timerID)
	}
	cp := *t
	return &cp, nil
}

func (tx *txStorage) UpdateTimer(_ context.Context, timerID string, version int64, changes TimerUpdate) error {
	return tx.c.updateTimer(timerID, version, changes)
}

func (tx *txStorage) DeleteTimer(_ context.Context, timerID string) error {
	delete(tx.c.timers, timerID)
	return nil
}

func (tx *txStorage) FindTimersBefore(_ context.Context, before time.Time, limit int) ([]*Timer, error) {
	var all []*Timer
	for _, t := range tx.c.timers {
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

func (tx *txStorage) AppendEvent(_ context.Context, e *Event) error {
	return tx.c.appendEvent(e)
}

func (tx *txStorage) FindEventsByRunID(_ context.Context, runID string, limit, offset int) ([]*Event, error) {
	return paginate(append([]*Event{}, tx.c.events[runID]...), limit, offset), nil
}

func (tx *txStorage) CreateActivity(_ context.Context, a *Activity) error {
	cp := *a
	tx.c.activities[a.RunID] = append(tx.c.activities[a.RunID], &cp)
	return nil
}

func (tx *txStorage) FindActivitiesByRunID(_ context.Context, runID string, limit, offset int) ([]*Activity, error) {
	return paginate(append([]*Activity{}, tx.c.activities[runID]...), limit, offset), nil
}

func (tx *txStorage) PutTemplate(_ context.Context, t *Template) error {
	cp := *t
	tx.c.templates[templateKey(t.Name, t.Version)] = &cp
	return nil
}

func (tx *txStorage) GetTemplate(_ context.Context, name string, version int) (*Template, error) {
	t, ok := tx.c.templates[templateKey(name, version)]
	if !ok {
		return nil, NotFound("Template", name)
	}
	cp := *t
	return &cp, nil
}

func (tx *txStorage) UpsertVisibility(_ context.Context, v *Visibility) error {
	cp := *v
	tx.c.visibility[v.RunID] = &cp
	return nil
}

func (tx *txStorage) FindVisibility(_ context.Context, status ExecutionStatus, limit, offset int) ([]*Visibility, error) {
	var all []*Visibility
	for _, v := range tx.c.visibility {
		if status == "" || v.Status == status {
			all = append(all, v)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })
	return paginate(all, limit, offset), nil
}
