package template

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

func sampleTemplate(name string, version int) *storage.Template {
	return &storage.Template{
		Name:    name,
		Version: version,
		Definition: map[string]any{
			"StartAt": "Hello",
			"States": map[string]any{
				"Hello": map[string]any{"Type": "Succeed"},
			},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestFileCatalog_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	cat := NewFileCatalog(t.TempDir())

	want := sampleTemplate("greeting", 2)
	require.NoError(t, cat.PutTemplate(ctx, want))

	got, err := cat.GetTemplate(ctx, "greeting", 2)
	require.NoError(t, err)
	assert.Equal(t, "greeting", got.Name)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "Hello", got.Definition["StartAt"])
}

func TestFileCatalog_GetMissingIsNotFound(t *testing.T) {
	cat := NewFileCatalog(t.TempDir())
	_, err := cat.GetTemplate(context.Background(), "nope", 1)
	require.Error(t, err)
	se, ok := err.(*storage.Error)
	require.True(t, ok)
	assert.Equal(t, storage.KindNotFound, se.Kind)
}

func TestFileCatalog_ListWalksAllVersions(t *testing.T) {
	ctx := context.Background()
	cat := NewFileCatalog(t.TempDir())
	require.NoError(t, cat.PutTemplate(ctx, sampleTemplate("a", 1)))
	require.NoError(t, cat.PutTemplate(ctx, sampleTemplate("a", 2)))
	require.NoError(t, cat.PutTemplate(ctx, sampleTemplate("b", 1)))

	all, err := cat.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileCatalog_ListEmptyRootIsEmptyCatalog(t *testing.T) {
	cat := NewFileCatalog("/nonexistent/template/root")
	all, err := cat.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkflow_DecodesAndValidates(t *testing.T) {
	wf, err := Workflow(sampleTemplate("greeting", 1))
	require.NoError(t, err)
	assert.Equal(t, "Hello", wf.StartAt)

	bad := sampleTemplate("broken", 1)
	bad.Definition["StartAt"] = "Missing"
	_, err = Workflow(bad)
	assert.Error(t, err)
}

// countingStore wraps a TemplateStorage counting backend reads.
type countingStore struct {
	storage.TemplateStorage
	gets atomic.Int64
}

func (s *countingStore) GetTemplate(ctx context.Context, name string, version int) (*storage.Template, error) {
	s.gets.Add(1)
	return s.TemplateStorage.GetTemplate(ctx, name, version)
}

func TestCache_ReadThroughHitsBackendOnce(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{TemplateStorage: NewFileCatalog(t.TempDir())}
	cache := NewCache(backend)

	require.NoError(t, cache.PutTemplate(ctx, sampleTemplate("hot", 1)))

	for i := 0; i < 5; i++ {
		got, err := cache.GetTemplate(ctx, "hot", 1)
		require.NoError(t, err)
		assert.Equal(t, "hot", got.Name)
	}
	assert.Equal(t, int64(0), backend.gets.Load(), "PutTemplate should prime the cache")

	// A version not yet seen goes to the backend exactly once.
	require.NoError(t, backend.PutTemplate(ctx, sampleTemplate("hot", 2)))
	for i := 0; i < 5; i++ {
		_, err := cache.GetTemplate(ctx, "hot", 2)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), backend.gets.Load())
	assert.Equal(t, 2, cache.Len())
}
