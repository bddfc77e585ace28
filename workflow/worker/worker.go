// Package worker implements the deferred-mode execution side of the
// Match Service: a Pool polls a queue for dispatched tasks, executes
// each task's resource through the resource registry, and reports the
// outcome back through a Reporter (normally engine.TaskGateway) so
// the waiting run resumes. The poll/execute/report cycle with a
// context check at every suspension point follows the same loop shape
// as the engine's own step loop.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-run/stepflow/workflow/engine"
	"github.com/stepflow-run/stepflow/workflow/exception"
	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// Reporter receives task outcomes. engine.TaskGateway satisfies this;
// tests substitute a recorder. A Heartbeat error matching
// engine.ErrTaskCancelled tells the Pool to stop executing that task
// and discard its result.
type Reporter interface {
	Complete(ctx context.Context, taskID string, output map[string]any) error
	Fail(ctx context.Context, taskID string, errInfo map[string]any) error
	Heartbeat(ctx context.Context, taskID string) error
}

// Pool drains one queue with a bounded number of in-flight tasks.
type Pool struct {
	cfg       Config
	queue     queue.Service
	reporter  Reporter
	resources resource.Registry
	logger    *slog.Logger

	sem chan struct{}
}

func New(cfg Config, q queue.Service, rep Reporter, res resource.Registry, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	def.Merge(&cfg)
	if def.WorkerID == "" {
		def.WorkerID = "worker-" + uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       def,
		queue:     q,
		reporter:  rep,
		resources: res,
		logger:    logger,
		sem:       make(chan struct{}, def.Concurrency),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight tasks to
// drain. Each claimed task occupies one semaphore slot for its whole
// execute/report cycle, bounding per-worker concurrency.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.sem <- struct{}{}:
		}

		task, err := p.queue.Poll(ctx, p.cfg.QueueName, p.cfg.WorkerID, p.cfg.PollTimeout)
		if err != nil {
			<-p.sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("poll failed", "queue", p.cfg.QueueName, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			<-p.sem
			continue
		}

		wg.Add(1)
		go func(t *storage.QueueTask) {
			defer wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, t)
		}(task)
	}
}

// RunOne claims and executes at most one task, returning whether one
// was found. Used by tests and by callers that drive the drain loop
// themselves.
func (p *Pool) RunOne(ctx context.Context) (bool, error) {
	task, err := p.queue.Poll(ctx, p.cfg.QueueName, p.cfg.WorkerID, p.cfg.PollTimeout)
	if err != nil || task == nil {
		return false, err
	}
	p.execute(ctx, task)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, task *storage.QueueTask) {
	p.logger.Info("task claimed",
		slog.String("task_id", task.TaskID),
		slog.String("run_id", task.RunID),
		slog.String("resource", task.Payload.Resource),
	)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The heartbeater doubles as the cancellation listener: the
	// gateway reports an abandoned task through the Heartbeat error
	// path.
	abandoned := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				err := p.reporter.Heartbeat(execCtx, task.TaskID)
				if err == nil {
					continue
				}
				if errors.Is(err, engine.ErrTaskCancelled) {
					close(abandoned)
					cancel()
					return
				}
				p.logger.Warn("heartbeat failed", "task_id", task.TaskID, "error", err)
			}
		}
	}()

	output, err := p.resources.Execute(execCtx, task.Payload.Resource, task.Payload.Parameters)
	cancel()
	hbWG.Wait()

	select {
	case <-abandoned:
		p.logger.Info("task abandoned", "task_id", task.TaskID, "run_id", task.RunID)
		return
	default:
	}

	if err != nil {
		errInfo := map[string]any{"error_type": classify(err), "message": err.Error()}
		if rerr := p.reporter.Fail(ctx, task.TaskID, errInfo); rerr != nil {
			p.logger.Error("report failure failed", "task_id", task.TaskID, "error", rerr)
		}
		return
	}
	if rerr := p.reporter.Complete(ctx, task.TaskID, output); rerr != nil {
		p.logger.Error("report completion failed", "task_id", task.TaskID, "error", rerr)
	}
}

// classify maps a resource execution error to its taxonomy
// error_type: a missing resource is
// "ToolNotFound", a blown deadline is "Timeout", and everything else
// defers to the error's own type, defaulting to "ExecutionFailed".
func classify(err error) string {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return "ToolNotFound"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	}
	return exception.TypeOf(err)
}
