// Package template provides a durable catalog of named, versioned
// workflow definitions: FileCatalog persists each template as a JSON
// file, and Cache layers read-through caching over any
// storage.TemplateStorage so hot templates (the engine re-reads a
// run's definition on every step) never touch the backing store
// twice.
package template

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// FileCatalog implements storage.TemplateStorage on the filesystem:
// template (name, version) maps 1:1 to <root>/<name>/v<version>.json.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a torn definition behind.
type FileCatalog struct {
	root string
}

func NewFileCatalog(root string) *FileCatalog {
	return &FileCatalog{root: root}
}

type fileRecord struct {
	Name       string         `json:"name"`
	Version    int            `json:"version"`
	Definition map[string]any `json:"definition"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (c *FileCatalog) path(name string, version int) string {
	return filepath.Join(c.root, filepath.FromSlash(name), fmt.Sprintf("v%d.json", version))
}

func (c *FileCatalog) PutTemplate(_ context.Context, t *storage.Template) error {
	data, err := json.MarshalIndent(fileRecord{
		Name:       t.Name,
		Version:    t.Version,
		Definition: t.Definition,
		CreatedAt:  t.CreatedAt,
	}, "", "  ")
	if err != nil {
		return &storage.Error{Kind: storage.KindSerializationError, Message: "marshal template", Entity: "Template", Cause: err}
	}

	path := c.path(t.Name, t.Version)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &storage.Error{Kind: storage.KindConnectionError, Message: "create template dir", Entity: "Template", Cause: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &storage.Error{Kind: storage.KindConnectionError, Message: "create temp file", Entity: "Template", Cause: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &storage.Error{Kind: storage.KindConnectionError, Message: "write template", Entity: "Template", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &storage.Error{Kind: storage.KindConnectionError, Message: "close template", Entity: "Template", Cause: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &storage.Error{Kind: storage.KindConnectionError, Message: "rename template", Entity: "Template", Cause: err}
	}
	return nil
}

func (c *FileCatalog) GetTemplate(_ context.Context, name string, version int) (*storage.Template, error) {
	data, err := os.ReadFile(c.path(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NotFound("Template", fmt.Sprintf("%s@v%d", name, version))
		}
		return nil, &storage.Error{Kind: storage.KindConnectionError, Message: "read template", Entity: "Template", Cause: err}
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &storage.Error{Kind: storage.KindSerializationError, Message: "decode template", Entity: "Template", Cause: err}
	}
	return &storage.Template{
		Name:       rec.Name,
		Version:    rec.Version,
		Definition: rec.Definition,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// List walks the catalog root and returns every stored (name,
// version) pair, dot-prefixed entries skipped. A missing root is an
// empty catalog, not an error.
func (c *FileCatalog) List(_ context.Context) ([]storage.Template, error) {
	var out []storage.Template
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == c.root {
				return fs.SkipAll
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("template: decode %s: %w", path, err)
		}
		out = append(out, storage.Template{
			Name:       rec.Name,
			Version:    rec.Version,
			Definition: rec.Definition,
			CreatedAt:  rec.CreatedAt,
		})
		return nil
	})
	if err != nil {
		return nil, &storage.Error{Kind: storage.KindConnectionError, Message: "list templates", Entity: "Template", Cause: err}
	}
	return out, nil
}

// Workflow decodes a stored template's definition back into the DSL
// model and validates it, so callers get a runnable workflow or a
// parse/validation error, never a half-checked map.
func Workflow(t *storage.Template) (*dsl.Workflow, error) {
	data, err := json.Marshal(t.Definition)
	if err != nil {
		return nil, fmt.Errorf("template: re-encode %s@v%d: %w", t.Name, t.Version, err)
	}
	var wf dsl.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("template: decode %s@v%d: %w", t.Name, t.Version, err)
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("template: %s@v%d: %w", t.Name, t.Version, err)
	}
	return &wf, nil
}
