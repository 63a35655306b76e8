package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/optahq/opta/internal/provider"
)

// NewEditFileTool creates the edit_file tool definition.
func NewEditFileTool() provider.Tool {
	return provider.Tool{
		Name: "edit_file",
		Description: `Replace text in a file. old_string must match the file exactly and,
unless replace_all is set, must be unique in the file. Returns a unified diff of the change.`,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path":        {"type": "string", "description": "File path relative to the working directory"},
				"old_string":  {"type": "string", "description": "Exact text to replace"},
				"new_string":  {"type": "string", "description": "Replacement text"},
				"replace_all": {"type": "boolean", "description": "Replace every occurrence (default false)"}
			},
			"required": ["path", "old_string", "new_string"]
		}`),
	}
}

// EditFileHandler handles edit_file calls.
func (w *Workspace) EditFileHandler(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if a.OldString == a.NewString {
		return "", fmt.Errorf("old_string and new_string are identical")
	}
	path, err := w.resolve(a.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	old := string(data)

	count := strings.Count(old, a.OldString)
	switch {
	case count == 0:
		return "", fmt.Errorf("old_string not found in %s", a.Path)
	case count > 1 && !a.ReplaceAll:
		return "", fmt.Errorf("old_string occurs %d times in %s; pass replace_all or add context", count, a.Path)
	}

	var updated string
	if a.ReplaceAll {
		updated = strings.ReplaceAll(old, a.OldString, a.NewString)
	} else {
		updated = strings.Replace(old, a.OldString, a.NewString, 1)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return "", err
	}

	edits := myers.ComputeEdits(span.URIFromPath(a.Path), old, updated)
	diff := fmt.Sprint(gotextdiff.ToUnified(a.Path, a.Path, old, edits))
	return diff, nil
}
