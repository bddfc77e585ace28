package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/stepflow-run/stepflow/workflow/storage"
)

// Cache is a read-through, write-through layer over any
// storage.TemplateStorage. Reads never touch the backing store for a
// (name, version) already seen; writes update both. Templates are
// immutable once written (a new revision gets a new version number),
// so cached entries never go stale. Safe for concurrent use.
type Cache struct {
	inner storage.TemplateStorage

	mu      sync.RWMutex
	entries map[string]*storage.Template
}

func NewCache(inner storage.TemplateStorage) *Cache {
	return &Cache{inner: inner, entries: make(map[string]*storage.Template)}
}

func cacheKey(name string, version int) string {
	return fmt.Sprintf("%s@v%d", name, version)
}

func (c *Cache) PutTemplate(ctx context.Context, t *storage.Template) error {
	if err := c.inner.PutTemplate(ctx, t); err != nil {
		return err
	}
	cp := *t
	c.mu.Lock()
	c.entries[cacheKey(t.Name, t.Version)] = &cp
	c.mu.Unlock()
	return nil
}

func (c *Cache) GetTemplate(ctx context.Context, name string, version int) (*storage.Template, error) {
	key := cacheKey(name, version)
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		cp := *cached
		return &cp, nil
	}

	t, err := c.inner.GetTemplate(ctx, name, version)
	if err != nil {
		return nil, err
	}
	cp := *t
	c.mu.Lock()
	c.entries[key] = &cp
	c.mu.Unlock()
	return t, nil
}

// Len reports how many templates are held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
