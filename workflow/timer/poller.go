package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// Signaler delivers a fired timer to the engine. It must be safe to
// call more than once for the same timer (the poller commits the
// Pending->Fired transition before signaling, so a signal failure is
// only logged, not retried; delivery relies on the signal itself
// being idempotent).
type Signaler interface {
	TimerFired(ctx context.Context, runID, stateName string, payload map[string]any) error
}

// Poller runs on a fixed cadence scanning for due timers.
type Poller struct {
	cfg      Config
	storage  storage.TimerStorage
	signaler Signaler
	logger   *slog.Logger
}

func NewPoller(cfg Config, s storage.TimerStorage, signaler Signaler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, storage: s, signaler: signaler, logger: logger}
}

// Run blocks until ctx is cancelled, ticking every p.cfg.PollInterval.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Error("timer poll tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scan-and-fire pass; exported so callers (and tests)
// can drive it deterministically instead of waiting on the ticker.
func (p *Poller) Tick(ctx context.Context) error {
	due, err := p.storage.FindTimersBefore(ctx, time.Now().UTC(), p.cfg.BatchLimit)
	if err != nil {
		return err
	}
	for _, t := range due {
		if t.Status != storage.TimerPending {
			continue
		}
		fired := storage.TimerFired
		err := p.storage.UpdateTimer(ctx, t.TimerID, t.Version, storage.TimerUpdate{Status: &fired})
		if err != nil {
			if se, ok := err.(*storage.Error); ok && se.Kind == storage.KindConcurrentModification {
				continue // another poller/shard already claimed this timer
			}
			p.logger.Error("timer fire transition failed", "timer_id", t.TimerID, "error", err)
			continue
		}
		if err := p.signaler.TimerFired(ctx, t.RunID, t.StateName, t.Payload); err != nil {
			p.logger.Error("timer fired signal failed", "timer_id", t.TimerID, "run_id", t.RunID, "error", err)
		}
	}
	return nil
}
