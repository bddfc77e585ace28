package timer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// Service creates and cancels durable fire-at timers.
type Service interface {
	// Create persists a Pending timer due to fire at fireAt and returns
	// its ID.
	Create(ctx context.Context, runID, stateName string, fireAt time.Time, payload map[string]any) (string, error)

	// Cancel atomically moves a Pending timer to Cancelled. Fired or
	// already-Cancelled timers are left untouched and Cancel returns
	// nil idempotently.
	Cancel(ctx context.Context, timerID string) error
}

type service struct {
	storage storage.TimerStorage
}

func NewService(s storage.TimerStorage) Service {
	return &service{storage: s}
}

func (s *service) Create(ctx context.Context, runID, stateName string, fireAt time.Time, payload map[string]any) (string, error) {
	t := &storage.Timer{
		TimerID:   uuid.NewString(),
		RunID:     runID,
		FireAt:    fireAt,
		Status:    storage.TimerPending,
		StateName: stateName,
		Payload:   payload,
	}
	if err := s.storage.CreateTimer(ctx, t); err != nil {
		return "", err
	}
	return t.TimerID, nil
}

func (s *service) Cancel(ctx context.Context, timerID string) error {
	t, err := s.storage.GetTimer(ctx, timerID)
	if err != nil {
		return err
	}
	if t.Status != storage.TimerPending {
		return nil // Fired/Cancelled timers are not re-cancellable; idempotent no-op.
	}
	cancelled := storage.TimerCancelled
	err = s.storage.UpdateTimer(ctx, timerID, t.Version, storage.TimerUpdate{Status: &cancelled})
	if se, ok := err.(*storage.Error); ok && se.Kind == storage.KindConcurrentModification {
		return nil // lost the race to a concurrent Fire; already past Pending.
	}
	return err
}
