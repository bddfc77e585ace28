package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLite is a durable Storage backed by github.com/jmoiron/sqlx over
// modernc.org/sqlite, demonstrating the same contract Memory satisfies
// against a real database. It favors clarity over throughput: each
// capability method issues one statement (optimistic-lock updates do a
// read-modify-write pair), and WithTransaction binds the same method
// set to a *sqlx.Tx.
type SQLite struct {
	db *sqlx.DB
	sqliteOps
}

// OpenSQLite opens (and migrates) a sqlite-backed store at dsn, e.g.
// "file:stepflow.db?_pragma=journal_mode(WAL)".
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	// A single writer sidesteps SQLITE_BUSY under concurrent steps;
	// optimistic versions already serialize logical writes.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, sqliteOps: sqliteOps{e: db}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ Storage            = (*SQLite)(nil)
	_ TransactionManager = (*SQLite)(nil)
)

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

// WithTransaction implements TransactionManager: fn runs against a
// Storage whose statements all share one *sqlx.Tx; any error rolls
// back.
func (s *SQLite) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &Error{Kind: KindConnectionError, Message: "begin transaction", Cause: err}
	}
	ops := &sqliteOps{e: tx}
	if err := fn(ctx, ops); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &Error{Kind: KindSerializationError, Message: "commit transaction", Cause: err}
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS executions (
	run_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	current_state TEXT NOT NULL,
	parent_run_id TEXT,
	parent_state_name TEXT,
	context TEXT NOT NULL,
	result TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS state_visits (
	state_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	state_name TEXT NOT NULL,
	status TEXT NOT NULL,
	input TEXT,
	output TEXT,
	error TEXT,
	attempt INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_visits_run ON state_visits(run_id);
CREATE TABLE IF NOT EXISTS queue_tasks (
	task_id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	run_id TEXT NOT NULL,
	state_name TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	next_retry_at TEXT,
	worker_id TEXT,
	queued_at TEXT NOT NULL,
	heartbeat_at TEXT,
	result TEXT,
	error TEXT,
	version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_tasks_status ON queue_tasks(queue_name, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_tasks_run_state ON queue_tasks(run_id, state_name);
CREATE TABLE IF NOT EXISTS timers (
	timer_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	shard_id INTEGER NOT NULL,
	fire_at TEXT NOT NULL,
	status TEXT NOT NULL,
	state_name TEXT NOT NULL,
	payload TEXT,
	version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timers_fire ON timers(status, fire_at);
CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	source TEXT,
	payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
CREATE TABLE IF NOT EXISTS activities (
	activity_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	state_name TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	resource TEXT NOT NULL,
	status TEXT NOT NULL,
	input TEXT,
	output TEXT,
	error TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_activities_run ON activities(run_id);
CREATE TABLE IF NOT EXISTS templates (
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	definition TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (name, version)
);
CREATE TABLE IF NOT EXISTS visibility (
	run_id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	search_attributes TEXT
);
CREATE INDEX IF NOT EXISTS idx_visibility_status ON visibility(status);
`

// sqlTimeLayout is fixed-width (unlike RFC3339Nano, which trims
// trailing zeros) so lexicographic TEXT comparison in SQL matches
// chronological order; time.Parse(RFC3339Nano, ...) still reads it.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(sqlTimeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse time: %w", err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: marshal: %w", err)
	}
	return string(b), nil
}

func fromJSON[T any](s sql.NullString) (T, error) {
	var out T
	if !s.Valid || s.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return out, fmt.Errorf("storage: unmarshal: %w", err)
	}
	return out, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// mapInsertErr classifies driver errors on INSERT into the taxonomy's
// structured kinds; modernc.org/sqlite reports constraint violations
// only through the error text.
func mapInsertErr(err error, entity, field, value string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return UniqueConstraintViolation(entity, field, value)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return &Error{Kind: KindForeignKeyViolation, Message: msg, Entity: entity, Field: field, Value: value, Cause: err}
	}
	return &Error{Kind: KindConnectionError, Message: "insert " + entity, Entity: entity, Cause: err}
}

// execer is satisfied by both *sqlx.DB and *sqlx.Tx, letting every
// statement method below run standalone or inside WithTransaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// sqliteOps implements every capability interface against one execer.
type sqliteOps struct {
	e execer
}

// --- WorkflowStorage ---

func (s *sqliteOps) CreateExecution(ctx context.Context, exec *Execution) error {
	ctxJSON, err := toJSON(exec.Context)
	if err != nil {
		return err
	}
	resultJSON, err := toJSON(exec.Result)
	if err != nil {
		return err
	}
	_, err = s.e.ExecContext(ctx, `INSERT INTO executions
		(run_id, mode, status, current_state, parent_run_id, parent_state_name, context, result, started_at, finished_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		exec.RunID, exec.Mode, exec.Status, exec.CurrentState, exec.ParentRunID, exec.ParentStateName,
		ctxJSON, resultJSON, fmtTime(exec.StartedAt), nullTime(exec.FinishedAt))
	return mapInsertErr(err, "Execution", "run_id", exec.RunID)
}

type executionRow struct {
	RunID           string         `db:"run_id"`
	Mode            string         `db:"mode"`
	Status          string         `db:"status"`
	CurrentState    string         `db:"current_state"`
	ParentRunID     sql.NullString `db:"parent_run_id"`
	ParentStateName sql.NullString `db:"parent_state_name"`
	Context         sql.NullString `db:"context"`
	Result          sql.NullString `db:"result"`
	StartedAt       string         `db:"started_at"`
	FinishedAt      sql.NullString `db:"finished_at"`
	Version         int64          `db:"version"`
}

func (r executionRow) toExecution() (*Execution, error) {
	ctxMap, err := fromJSON[map[string]any](r.Context)
	if err != nil {
		return nil, err
	}
	resultMap, err := fromJSON[map[string]any](r.Result)
	if err != nil {
		return nil, err
	}
	started, err := parseTime(r.StartedAt)
	if err != nil {
		return nil, err
	}
	finished, err := parseNullTime(r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &Execution{
		RunID:           r.RunID,
		Mode:            ExecutionMode(r.Mode),
		Status:          ExecutionStatus(r.Status),
		CurrentState:    r.CurrentState,
		ParentRunID:     r.ParentRunID.String,
		ParentStateName: r.ParentStateName.String,
		Context:         ctxMap,
		Result:          resultMap,
		StartedAt:       started,
		FinishedAt:      finished,
		Version:         r.Version,
	}, nil
}

func (s *sqliteOps) GetExecution(ctx context.Context, runID string) (*Execution, error) {
	var row executionRow
	err := s.e.GetContext(ctx, &row, `SELECT * FROM executions WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("Execution", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get execution: %w", err)
	}
	return row.toExecution()
}

func (s *sqliteOps) FindExecutions(ctx context.Context, limit, offset int) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT * FROM executions ORDER BY run_id LIMIT ? OFFSET ?`, sqlLimit(limit), offset)
}

func (s *sqliteOps) FindExecutionsByStatus(ctx context.Context, status ExecutionStatus, limit, offset int) ([]*Execution, error) {
	return s.queryExecutions(ctx, `SELECT * FROM executions WHERE status = ? ORDER BY run_id LIMIT ? OFFSET ?`, status, sqlLimit(limit), offset)
}

func (s *sqliteOps) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	var rows []executionRow
	if err := s.e.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("storage: query executions: %w", err)
	}
	out := make([]*Execution, 0, len(rows))
	for _, r := range rows {
		e, err := r.toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *sqliteOps) UpdateExecution(ctx context.Context, runID string, version int64, changes ExecutionUpdate) error {
	cur, err := s.GetExecution(ctx, runID)
	if err != nil {
		return err
	}
	if cur.Version != version {
		return ConcurrentModification("Execution", runID, version, cur.Version)
	}
	if changes.Status != nil {
		cur.Status = *changes.Status
	}
	if changes.CurrentState != nil {
		cur.CurrentState = *changes.CurrentState
	}
	if changes.Context != nil {
		cur.Context = changes.Context
	}
	if changes.Result != nil {
		cur.Result = changes.Result
	}
	if changes.FinishedAt != nil {
		cur.FinishedAt = changes.FinishedAt
	}
	ctxJSON, err := toJSON(cur.Context)
	if err != nil {
		return err
	}
	resultJSON, err := toJSON(cur.Result)
	if err != nil {
		return err
	}
	res, err := s.e.ExecContext(ctx, `UPDATE executions SET status=?, current_state=?, context=?, result=?, finished_at=?, version=version+1
		WHERE run_id=? AND version=?`,
		cur.Status, cur.CurrentState, ctxJSON, resultJSON, nullTime(cur.FinishedAt), runID, version)
	if err != nil {
		return fmt.Errorf("storage: update execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ConcurrentModification("Execution", runID, version, version)
	}
	return nil
}

func (s *sqliteOps) DeleteExecution(ctx context.Context, runID string) error {
	_, err := s.e.ExecContext(ctx, `DELETE FROM executions WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("storage: delete execution: %w", err)
	}
	return nil
}

// --- StateStorage ---

type stateVisitRow struct {
	StateID    string         `db:"state_id"`
	RunID      string         `db:"run_id"`
	StateName  string         `db:"state_name"`
	Status     string         `db:"status"`
	Input      sql.NullString `db:"input"`
	Output     sql.NullString `db:"output"`
	Error      sql.NullString `db:"error"`
	Attempt    int            `db:"attempt"`
	StartedAt  string         `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
	Version    int64          `db:"version"`
}

func (r stateVisitRow) toStateVisit() (*StateVisit, error) {
	input, err := fromJSON[map[string]any](r.Input)
	if err != nil {
		return nil, err
	}
	output, err := fromJSON[map[string]any](r.Output)
	if err != nil {
		return nil, err
	}
	errMap, err := fromJSON[map[string]any](r.Error)
	if err != nil {
		return nil, err
	}
	started, err := parseTime(r.StartedAt)
	if err != nil {
		return nil, err
	}
	finished, err := parseNullTime(r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &StateVisit{
		StateID:    r.StateID,
		RunID:      r.RunID,
		StateName:  r.StateName,
		Status:     StateStatus(r.Status),
		Input:      input,
		Output:     output,
		Error:      errMap,
		Attempt:    r.Attempt,
		StartedAt:  started,
		FinishedAt: finished,
		Version:    r.Version,
	}, nil
}

func (s *sqliteOps) CreateState(ctx context.Context, sv *StateVisit) error {
	input, err := toJSON(sv.Input)
	if err != nil {
		return err
	}
	output, err := toJSON(sv.Output)
	if err != nil {
		return err
	}
	errJSON, err := toJSON(sv.Error)
	if err != nil {
		return err
	}
	_, err = s.e.ExecContext(ctx, `INSERT INTO state_visits
		(state_id, run_id, state_name, status, input, output, error, attempt, started_at, finished_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		sv.StateID, sv.RunID, sv.StateName, sv.Status, input, output, errJSON, sv.Attempt,
		fmtTime(sv.StartedAt), nullTime(sv.FinishedAt))
	return mapInsertErr(err, "StateVisit", "state_id", sv.StateID)
}

func (s *sqliteOps) GetState(ctx context.Context, stateID string) (*StateVisit, error) {
	var row stateVisitRow
	err := s.e.GetContext(ctx, &row, `SELECT * FROM state_visits WHERE state_id = ?`, stateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("StateVisit", stateID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get state: %w", err)
	}
	return row.toStateVisit()
}

func (s *sqliteOps) FindStatesByRunID(ctx context.Context, runID string, limit, offset int) ([]*StateVisit, error) {
	var rows []stateVisitRow
	err := s.e.SelectContext(ctx, &rows, `SELECT * FROM state_visits WHERE run_id = ? ORDER BY started_at, state_id LIMIT ? OFFSET ?`,
		runID, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("storage: query states: %w", err)
	}
	out := make([]*StateVisit, 0, len(rows))
	for _, r := range rows {
		sv, err := r.toStateVisit()
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

func (s *sqliteOps) UpdateState(ctx context.Context, stateID string, version int64, changes StateVisitUpdate) error {
	cur, err := s.GetState(ctx, stateID)
	if err != nil {
		return err
	}
	if cur.Version != version {
		return ConcurrentModification("StateVisit", stateID, version, cur.Version)
	}
	if changes.Status != nil {
		cur.Status = *changes.Status
	}
	if changes.Output != nil {
		cur.Output = changes.Output
	}
	if changes.Error != nil {
		cur.Error = changes.Error
	}
	if changes.Attempt != nil {
		cur.Attempt = *changes.Attempt
	}
	if changes.FinishedAt != nil {
		cur.FinishedAt = changes.FinishedAt
	}
	output, err := toJSON(cur.Output)
	if err != nil {
		return err
	}
	errJSON, err := toJSON(cur.Error)
	if err != nil {
		return err
	}
	res, err := s.e.ExecContext(ctx, `UPDATE state_visits SET status=?, output=?, error=?, attempt=?, finished_at=?, version=version+1
		WHERE state_id=? AND version=?`,
		cur.Status, output, errJSON, cur.Attempt, nullTime(cur.FinishedAt), stateID, version)
	if err != nil {
		return fmt.Errorf("storage: update state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ConcurrentModification("StateVisit", stateID, version, version)
	}
	return nil
}

func (s *sqliteOps) DeleteState(ctx context.Context, stateID string) error {
	_, err := s.e.ExecContext(ctx, `DELETE FROM state_visits WHERE state_id = ?`, stateID)
	if err != nil {
		return fmt.Errorf("storage: delete state: %w", err)
	}
	return nil
}

// --- QueueStorage ---

type queueTaskRow struct {
	TaskID      string         `db:"task_id"`
	QueueName   string         `db:"queue_name"`
	RunID       string         `db:"run_id"`
	StateName   string         `db:"state_name"`
	Attempt     int            `db:"attempt"`
	Payload     string         `db:"payload"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	NextRetryAt sql.NullString `db:"next_retry_at"`
	WorkerID    sql.NullString `db:"worker_id"`
	QueuedAt    string         `db:"queued_at"`
	HeartbeatAt sql.NullString `db:"heartbeat_at"`
	Result      sql.NullString `db:"result"`
	Error       sql.NullString `db:"error"`
	Version     int64          `db:"version"`
}

func (r queueTaskRow) toQueueTask() (*QueueTask, error) {
	var payload TaskPayload
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, fmt.Errorf("storage: unmarshal task payload: %w", err)
	}
	result, err := fromJSON[map[string]any](r.Result)
	if err != nil {
		return nil, err
	}
	errMap, err := fromJSON[map[string]any](r.Error)
	if err != nil {
		return nil, err
	}
	queued, err := parseTime(r.QueuedAt)
	if err != nil {
		return nil, err
	}
	nextRetry, err := parseNullTime(r.NextRetryAt)
	if err != nil {
		return nil, err
	}
	heartbeat, err := parseNullTime(r.HeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &QueueTask{
		TaskID:      r.TaskID,
		QueueName:   r.QueueName,
		RunID:       r.RunID,
		StateName:   r.StateName,
		Attempt:     r.Attempt,
		Payload:     payload,
		Status:      QueueTaskStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		NextRetryAt: nextRetry,
		WorkerID:    r.WorkerID.String,
		QueuedAt:    queued,
		HeartbeatAt: heartbeat,
		Result:      result,
		Error:       errMap,
		Version:     r.Version,
	}, nil
}

func (s *sqliteOps) CreateQueueTask(ctx context.Context, t *QueueTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal task payload: %w", err)
	}
	result, err := toJSON(t.Result)
	if err != nil {
		return err
	}
	errJSON, err := toJSON(t.Error)
	if err != nil {
		return err
	}
	_, err = s.e.ExecContext(ctx, `INSERT INTO queue_tasks
		(task_id, queue_name, run_id, state_name, attempt, payload, status, attempts, max_attempts, next_retry_at, worker_id, queued_at, heartbeat_at, result, error, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		t.TaskID, t.QueueName, t.RunID, t.StateName, t.Attempt, string(payload), t.Status, t.Attempts,
		t.MaxAttempts, nullTime(t.NextRetryAt), t.WorkerID, fmtTime(t.QueuedAt), nullTime(t.HeartbeatAt),
		result, errJSON)
	return mapInsertErr(err, "QueueTask", "task_id", t.TaskID)
}

func (s *sqliteOps) GetQueueTask(ctx context.Context, taskID string) (*QueueTask, error) {
	var row queueTaskRow
	err := s.e.GetContext(ctx, &row, `SELECT * FROM queue_tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("QueueTask", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get queue task: %w", err)
	}
	return row.toQueueTask()
}

func applyQueueTaskChanges(cur *QueueTask, changes QueueTaskUpdate) {
	if changes.Status != nil {
		cur.Status = *changes.Status
	}
	if changes.Attempts != nil {
		cur.Attempts = *changes.Attempts
	}
	if changes.WorkerID != nil {
		cur.WorkerID = *changes.WorkerID
	}
	if changes.NextRetryAt != nil {
		cur.NextRetryAt = changes.NextRetryAt
	}
	if changes.HeartbeatAt != nil {
		cur.HeartbeatAt = changes.HeartbeatAt
	}
	if changes.Result != nil {
		cur.Result = changes.Result
	}
	if changes.Error != nil {
		cur.Error = changes.Error
	}
}

func (s *sqliteOps) writeQueueTask(ctx context.Context, cur *QueueTask, version int64) (int64, error) {
	result, err := toJSON(cur.Result)
	if err != nil {
		return 0, err
	}
	errJSON, err := toJSON(cur.Error)
	if err != nil {
		return 0, err
	}
	res, err := s.e.ExecContext(ctx, `UPDATE queue_tasks SET status=?, attempts=?, worker_id=?, next_retry_at=?, heartbeat_at=?, result=?, error=?, version=version+1
		WHERE task_id=? AND version=?`,
		cur.Status, cur.Attempts, cur.WorkerID, nullTime(cur.NextRetryAt), nullTime(cur.HeartbeatAt),
		result, errJSON, cur.TaskID, version)
	if err != nil {
		return 0, fmt.Errorf("storage: update queue task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteOps) UpdateQueueTask(ctx context.Context, taskID string, version int64, changes QueueTaskUpdate) error {
	cur, err := s.GetQueueTask(ctx, taskID)
	if err != nil {
		return err
	}
	if cur.Version != version {
		return ConcurrentModification("QueueTask", taskID, version, cur.Version)
	}
	applyQueueTaskChanges(cur, changes)
	n, err := s.writeQueueTask(ctx, cur, version)
	if err != nil {
		return err
	}
	if n == 0 {
		return ConcurrentModification("QueueTask", taskID, version, version)
	}
	return nil
}

func (s *sqliteOps) DeleteQueueTask(ctx context.Context, taskID string) error {
	_, err := s.e.ExecContext(ctx, `DELETE FROM queue_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("storage: delete queue task: %w", err)
	}
	return nil
}

func (s *sqliteOps) queryQueueTasks(ctx context.Context, query string, args ...any) ([]*QueueTask, error) {
	var rows []queueTaskRow
	if err := s.e.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("storage: query queue tasks: %w", err)
	}
	out := make([]*QueueTask, 0, len(rows))
	for _, r := range rows {
		t, err := r.toQueueTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *sqliteOps) FindQueueTasksByStatus(ctx context.Context, queueName string, status QueueTaskStatus, limit, offset int) ([]*QueueTask, error) {
	if queueName == "" {
		return s.queryQueueTasks(ctx, `SELECT * FROM queue_tasks WHERE status = ? ORDER BY queued_at, task_id LIMIT ? OFFSET ?`,
			status, sqlLimit(limit), offset)
	}
	return s.queryQueueTasks(ctx, `SELECT * FROM queue_tasks WHERE queue_name = ? AND status = ? ORDER BY queued_at, task_id LIMIT ? OFFSET ?`,
		queueName, status, sqlLimit(limit), offset)
}

func (s *sqliteOps) FindQueueTasksToRetry(ctx context.Context, before time.Time, limit int) ([]*QueueTask, error) {
	return s.queryQueueTasks(ctx, `SELECT * FROM queue_tasks WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at, task_id LIMIT ?`,
		TaskRetrying, fmtTime(before), sqlLimit(limit))
}

func (s *sqliteOps) GetTaskByRunState(ctx context.Context, runID, stateName string) (*QueueTask, error) {
	var row queueTaskRow
	err := s.e.GetContext(ctx, &row, `SELECT * FROM queue_tasks WHERE run_id = ? AND state_name = ?`, runID, stateName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("QueueTask", runID+"/"+stateName)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get task by run/state: %w", err)
	}
	return row.toQueueTask()
}

func (s *sqliteOps) UpdateTaskByRunState(ctx context.Context, runID, stateName string, expectedStatus *QueueTaskStatus, changes QueueTaskUpdate) (int, error) {
	cur, err := s.GetTaskByRunState(ctx, runID, stateName)
	if err != nil {
		var se *Error
		if errors.As(err, &se) && se.Kind == KindNotFound {
			return 0, nil
		}
		return 0, err
	}
	if expectedStatus != nil && cur.Status != *expectedStatus {
		return 0, nil
	}
	version := cur.Version
	applyQueueTaskChanges(cur, changes)
	n, err := s.writeQueueTask(ctx, cur, version)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- TimerStorage ---

type timerRow struct {
	TimerID   string         `db:"timer_id"`
	RunID     string         `db:"run_id"`
	ShardID   int            `db:"shard_id"`
	FireAt    string         `db:"fire_at"`
	Status    string         `db:"status"`
	StateName string         `db:"state_name"`
	Payload   sql.NullString `db:"payload"`
	Version   int64          `db:"version"`
}

func (r timerRow) toTimer() (*Timer, error) {
	fireAt, err := parseTime(r.FireAt)
	if err != nil {
		return nil, err
	}
	payload, err := fromJSON[map[string]any](r.Payload)
	if err != nil {
		return nil, err
	}
	return &Timer{
		TimerID:   r.TimerID,
		RunID:     r.RunID,
		ShardID:   r.ShardID,
		FireAt:    fireAt,
		Status:    TimerStatus(r.Status),
		StateName: r.StateName,
		Payload:   payload,
		Version:   r.Version,
	}, nil
}

func (s *sqliteOps) CreateTimer(ctx context.Context, t *Timer) error {
	payload, err := toJSON(t.Payload)
	if err != nil {
		return err
	}
	_, err = s.e.ExecContext(ctx, `INSERT INTO timers
		(timer_id, run_id, shard_id, fire_at, status, state_name, payload, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		t.TimerID, t.RunID, t.ShardID, fmtTime(t.FireAt), t.Status, t.StateName, payload)
	return mapInsertErr(err, "Timer", "timer_id", t.TimerID)
}

func (s *sqliteOps) GetTimer(ctx context.Context, timerID string) (*Timer, error) {
	var row timerRow
	err := s.e.GetContext(ctx, &row, `SELECT * FROM timers WHERE timer_id = ?`, timerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("Timer", timerID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get timer: %w", err)
	}
	return row.toTimer()
}

func (s *sqliteOps) UpdateTimer(ctx context.Context, timerID string, version int64, changes TimerUpdate) error {
	if changes.Status == nil {
		return nil
	}
	res, err := s.e.ExecContext(ctx, `UPDATE timers SET status=?, version=version+1 WHERE timer_id=? AND version=?`,
		*changes.Status, timerID, version)
	if err != nil {
		return fmt.Errorf("storage: update timer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		cur, err := s.GetTimer(ctx, timerID)
		if err != nil {
			return err
		}
		return ConcurrentModification("Timer", timerID, version, cur.Version)
	}
	return nil
}

func (s *sqliteOps) DeleteTimer(ctx context.Context, timerID string) error {
	_, err := s.e.ExecContext(ctx, `DELETE FROM timers WHERE timer_id = ?`, timerID)
	if err != nil {
		return fmt.Errorf("storage: delete timer: %w", err)
	}
	return nil
}

func (s *sqliteOps) FindTimersBefore(ctx context.Context, before time.Time, limit int) ([]*Timer, error) {
	var rows []timerRow
	err := s.e.SelectContext(ctx, &rows, `SELECT * FROM timers WHERE status = ? AND fire_at <= ?
		ORDER BY fire_at, timer_id LIMIT ?`,
		TimerPending, fmtTime(before), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: query timers: %w", err)
	}
	out := make([]*Timer, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTimer()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// --- EventStorage ---

type eventRow struct {
	EventID   string         `db:"event_id"`
	RunID     string         `db:"run_id"`
	Seq       int64          `db:"seq"`
	Type      string         `db:"type"`
	Timestamp string         `db:"timestamp"`
	Source    sql.NullString `db:"source"`
	Payload   sql.NullString `db:"payload"`
}

func (s *sqliteOps) AppendEvent(ctx context.Context, ev *Event) error {
	payload, err := toJSON(ev.Payload)
	if err != nil {
		return err
	}
	// Per-run seq is assigned at append time, mirroring Memory.
	_, err = s.e.ExecContext(ctx, `INSERT INTO events
		(event_id, run_id, seq, type, timestamp, source, payload)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?), ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, ev.RunID, ev.Type, fmtTime(ev.Timestamp), ev.Source, payload)
	return mapInsertErr(err, "Event", "event_id", ev.EventID)
}

func (s *sqliteOps) FindEventsByRunID(ctx context.Context, runID string, limit, offset int) ([]*Event, error) {
	var rows []eventRow
	err := s.e.SelectContext(ctx, &rows, `SELECT * FROM events WHERE run_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		runID, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	out := make([]*Event, 0, len(rows))
	for _, r := range rows {
		payload, err := fromJSON[map[string]any](r.Payload)
		if err != nil {
			return nil, err
		}
		ts, err := parseTime(r.Timestamp)
		if err != nil {
			return nil, err
		}
		out = append(out, &Event{
			EventID:   r.EventID,
			RunID:     r.RunID,
			Seq:       r.Seq,
			Type:      r.Type,
			Timestamp: ts,
			Source:    r.Source.String,
			Payload:   payload,
		})
	}
	return out, nil
}

// --- ActivityStorage ---

type activityRow struct {
	ActivityID string         `db:"activity_id"`
	RunID      string         `db:"run_id"`
	StateName  string         `db:"state_name"`
	Attempt    int            `db:"attempt"`
	Resource   string         `db:"resource"`
	Status     string         `db:"status"`
	Input      sql.NullString `db:"input"`
	Output     sql.NullString `db:"output"`
	Error      sql.NullString `db:"error"`
	StartedAt  string         `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
}

func (s *sqliteOps) CreateActivity(ctx context.Context, a *Activity) error {
	input, err := toJSON(a.Input)
	if err != nil {
		return err
	}
	output, err := toJSON(a.Output)
	if err != nil {
		return err
	}
	errJSON, err := toJSON(a.Error)
	if err != nil {
		return err
	}
	_, err = s.e.ExecContext(ctx, `INSERT INTO activities
		(activity_id, run_id, state_name, attempt, resource, status, input, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ActivityID, a.RunID, a.StateName, a.Attempt, a.Resource, a.Status, input, output, errJSON,
		fmtTime(a.StartedAt), nullTime(a.FinishedAt))
	return mapInsertErr(err, "Activity", "activity_id", a.ActivityID)
}

func (s *sqliteOps) FindActivitiesByRunID(ctx context.Context, runID string, limit, offset int) ([]*Activity, error) {
	var rows []activityRow
	err := s.e.SelectContext(ctx, &rows, `SELECT * FROM activities WHERE run_id = ? ORDER BY started_at, activity_id LIMIT ? OFFSET ?`,
		runID, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("storage: query activities: %w", err)
	}
	out := make([]*Activity, 0, len(rows))
	for _, r := range rows {
		input, err := fromJSON[map[string]any](r.Input)
		if err != nil {
			return nil, err
		}
		output, err := fromJSON[map[string]any](r.Output)
		if err != nil {
			return nil, err
		}
		errMap, err := fromJSON[map[string]any](r.Error)
		if err != nil {
			return nil, err
		}
		started, err := parseTime(r.StartedAt)
		if err != nil {
			return nil, err
		}
		finished, err := parseNullTime(r.FinishedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &Activity{
			ActivityID: r.ActivityID,
			RunID:      r.RunID,
			StateName:  r.StateName,
			Attempt:    r.Attempt,
			Resource:   r.Resource,
			Status:     StateStatus(r.Status),
			Input:      input,
			Output:     output,
			Error:      errMap,
			StartedAt:  started,
			FinishedAt: finished,
		})
	}
	return out, nil
}

// --- TemplateStorage ---

func (s *sqliteOps) PutTemplate(ctx context.Context, t *Template) error {
	def, err := toJSON(t.Definition)
	if err != nil {
		return err
	}
	_, err = s.e.ExecContext(ctx, `INSERT INTO templates (name, version, definition, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET definition=excluded.definition`,
		t.Name, t.Version, def, fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage: put template: %w", err)
	}
	return nil
}

func (s *sqliteOps) GetTemplate(ctx context.Context, name string, version int) (*Template, error) {
	var row struct {
		Name       string `db:"name"`
		Version    int    `db:"version"`
		Definition string `db:"definition"`
		CreatedAt  string `db:"created_at"`
	}
	err := s.e.GetContext(ctx, &row, `SELECT * FROM templates WHERE name = ? AND version = ?`, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("Template", name)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get template: %w", err)
	}
	var def map[string]any
	if err := json.Unmarshal([]byte(row.Definition), &def); err != nil {
		return nil, fmt.Errorf("storage: unmarshal template: %w", err)
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &Template{Name: row.Name, Version: row.Version, Definition: def, CreatedAt: created}, nil
}

// --- VisibilityStorage ---

func (s *sqliteOps) UpsertVisibility(ctx context.Context, v *Visibility) error {
	attrs, err := toJSON(v.SearchAttributes)
	if err != nil {
		return err
	}
	_, err = s.e.ExecContext(ctx, `INSERT INTO visibility (run_id, workflow_name, status, started_at, finished_at, search_attributes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, finished_at=excluded.finished_at, search_attributes=excluded.search_attributes`,
		v.RunID, v.WorkflowName, v.Status, fmtTime(v.StartedAt), nullTime(v.FinishedAt), attrs)
	if err != nil {
		return fmt.Errorf("storage: upsert visibility: %w", err)
	}
	return nil
}

func (s *sqliteOps) FindVisibility(ctx context.Context, status ExecutionStatus, limit, offset int) ([]*Visibility, error) {
	var rows []struct {
		RunID            string         `db:"run_id"`
		WorkflowName     string         `db:"workflow_name"`
		Status           string         `db:"status"`
		StartedAt        string         `db:"started_at"`
		FinishedAt       sql.NullString `db:"finished_at"`
		SearchAttributes sql.NullString `db:"search_attributes"`
	}
	query := `SELECT * FROM visibility WHERE (? = '' OR status = ?) ORDER BY started_at, run_id LIMIT ? OFFSET ?`
	if err := s.e.SelectContext(ctx, &rows, query, status, status, sqlLimit(limit), offset); err != nil {
		return nil, fmt.Errorf("storage: query visibility: %w", err)
	}
	out := make([]*Visibility, 0, len(rows))
	for _, r := range rows {
		started, err := parseTime(r.StartedAt)
		if err != nil {
			return nil, err
		}
		finished, err := parseNullTime(r.FinishedAt)
		if err != nil {
			return nil, err
		}
		attrs, err := fromJSON[map[string]any](r.SearchAttributes)
		if err != nil {
			return nil, err
		}
		out = append(out, &Visibility{
			RunID:            r.RunID,
			WorkflowName:     r.WorkflowName,
			Status:           ExecutionStatus(r.Status),
			StartedAt:        started,
			FinishedAt:       finished,
			SearchAttributes: attrs,
		})
	}
	return out, nil
}
