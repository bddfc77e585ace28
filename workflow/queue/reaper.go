package queue

import (
	"context"
	"log/slog"
	"time"
)

// Reapable is implemented by the durable queue backends (Persistent,
// Hybrid). MemoryQueue is not Reapable: it has the equivalent logic as
// the unexported reclaimStale, but neither its Poll nor a ticker calls
// it, so a MemoryQueue task whose worker stops heartbeating stays
// Processing.
type Reapable interface {
	Reap(ctx context.Context, queueName string) (int, error)
}

// Reaper runs Reap on a fixed interval for one or more queue names
// until ctx is cancelled, returning stale-heartbeat tasks to their
// queues.
type Reaper struct {
	backend    Reapable
	interval   time.Duration
	queueNames []string
	logger     *slog.Logger
}

func NewReaper(backend Reapable, interval time.Duration, queueNames []string, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{backend: backend, interval: interval, queueNames: queueNames, logger: logger}
}

// Run blocks until ctx is cancelled, reaping every r.interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	for _, name := range r.queueNames {
		n, err := r.backend.Reap(ctx, name)
		if err != nil {
			r.logger.Error("queue reap failed", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			r.logger.Info("queue reaped stale tasks", "queue", name, "count", n)
		}
	}
}
