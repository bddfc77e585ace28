package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

type recordingSignaler struct {
	mu    sync.Mutex
	fired []string
}

func (r *recordingSignaler) TimerFired(_ context.Context, runID, stateName string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, runID+"/"+stateName)
	return nil
}

func TestPoller_FiresDueTimersInOrder(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	now := time.Now()

	require.NoError(t, mem.CreateTimer(ctx, &storage.Timer{
		TimerID: "b", RunID: "run-1", StateName: "Second",
		FireAt: now.Add(-time.Second), Status: storage.TimerPending,
	}))
	require.NoError(t, mem.CreateTimer(ctx, &storage.Timer{
		TimerID: "a", RunID: "run-1", StateName: "First",
		FireAt: now.Add(-time.Minute), Status: storage.TimerPending,
	}))
	require.NoError(t, mem.CreateTimer(ctx, &storage.Timer{
		TimerID: "c", RunID: "run-1", StateName: "NotYet",
		FireAt: now.Add(time.Hour), Status: storage.TimerPending,
	}))

	sig := &recordingSignaler{}
	p := NewPoller(DefaultConfig(), mem, sig, nil)

	require.NoError(t, p.Tick(ctx))

	assert.Equal(t, []string{"run-1/First", "run-1/Second"}, sig.fired)

	firstTimer, err := mem.GetTimer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, storage.TimerFired, firstTimer.Status)

	notYet, err := mem.GetTimer(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, storage.TimerPending, notYet.Status)
}

func TestPoller_SkipsAlreadyCancelledTimer(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()

	require.NoError(t, mem.CreateTimer(ctx, &storage.Timer{
		TimerID: "x", RunID: "run-2", StateName: "Wait",
		FireAt: time.Now().Add(-time.Minute), Status: storage.TimerPending,
	}))
	cancelled := storage.TimerCancelled
	require.NoError(t, mem.UpdateTimer(ctx, "x", 1, storage.TimerUpdate{Status: &cancelled}))

	sig := &recordingSignaler{}
	p := NewPoller(DefaultConfig(), mem, sig, nil)
	require.NoError(t, p.Tick(ctx))

	assert.Empty(t, sig.fired)
}
