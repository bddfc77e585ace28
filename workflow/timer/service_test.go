package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

func TestService_CreateThenCancel(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	svc := NewService(mem)

	id, err := svc.Create(ctx, "run-1", "WaitForIt", time.Now().Add(time.Hour), map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, svc.Cancel(ctx, id))

	stored, err := mem.GetTimer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.TimerCancelled, stored.Status)
}

func TestService_CancelIsIdempotentAfterFire(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	svc := NewService(mem)

	id, err := svc.Create(ctx, "run-1", "WaitForIt", time.Now().Add(-time.Minute), nil)
	require.NoError(t, err)

	fired := storage.TimerFired
	require.NoError(t, mem.UpdateTimer(ctx, id, 1, storage.TimerUpdate{Status: &fired}))

	require.NoError(t, svc.Cancel(ctx, id))

	stored, err := mem.GetTimer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.TimerFired, stored.Status, "cancel must not downgrade a Fired timer")
}
