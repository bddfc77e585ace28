package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/stepflow-run/stepflow/workflow/exception"
	"github.com/stepflow-run/stepflow/workflow/resource"
)

// registerBuiltinResources installs the handful of resources a
// workflow file can name out of the box. Real deployments register
// their own alongside these.
func registerBuiltinResources() {
	resource.Register("echo", handleEcho)
	resource.Register("datetime", handleDatetime)
	resource.Register("read_file", handleReadFile)
	resource.Register("list_directory", handleListDirectory)
	resource.Register("sleep", handleSleep)
}

// handleEcho returns its parameters unchanged.
func handleEcho(_ context.Context, input map[string]any) (map[string]any, error) {
	return input, nil
}

func handleDatetime(_ context.Context, _ map[string]any) (map[string]any, error) {
	return map[string]any{"now": time.Now().Format(time.RFC3339)}, nil
}

func handleReadFile(_ context.Context, input map[string]any) (map[string]any, error) {
	path, _ := input["path"].(string)
	if path == "" {
		return nil, exception.New("InvalidInput", "path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exception.Wrap("ExecutionFailed", "read file", err)
	}
	return map[string]any{"content": string(data)}, nil
}

func handleListDirectory(_ context.Context, input map[string]any) (map[string]any, error) {
	path, _ := input["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, exception.Wrap("ExecutionFailed", "list directory", err)
	}
	var b strings.Builder
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return map[string]any{"entries": names, "listing": b.String()}, nil
}

// handleSleep blocks for duration_ms, honoring cancellation — handy
// for exercising deferred mode and heartbeats.
func handleSleep(ctx context.Context, input map[string]any) (map[string]any, error) {
	ms, _ := input["duration_ms"].(float64)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return map[string]any{"slept_ms": ms}, nil
}
