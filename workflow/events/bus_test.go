package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(WorkflowStarted, "run-1", map[string]any{"run_id": "run-1"})

	env := <-sub.C
	assert.Equal(t, WorkflowStarted, env.Type)
	assert.Equal(t, "run-1", env.RunID)
	assert.Equal(t, "engine", env.Source)
	require.NotEmpty(t, env.EventID)
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(NodeEnter, "run-1", map[string]any{"i": i})
	}

	assert.Positive(t, sub.Lagged())
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish(WorkflowFinished, "run-2", nil)

	e1 := <-s1.C
	e2 := <-s2.C
	assert.Equal(t, e1.EventID, e2.EventID)
}
