package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/optahq/opta/internal/provider"
)

// Workspace anchors the filesystem tools to the project directory and
// rejects paths that escape it.
type Workspace struct {
	Root string
}

// resolve joins a tool-supplied path to the root and verifies containment.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" || path == "." {
		return w.Root, nil
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.Root, path)
	}
	abs = filepath.Clean(abs)
	if abs != w.Root && !strings.HasPrefix(abs, w.Root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes the working directory: %s", path)
	}
	return abs, nil
}

// NewListDirTool creates the list_dir tool definition.
func NewListDirTool() provider.Tool {
	return provider.Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory relative to the working directory. Directories are suffixed with /.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory to list (default: working directory)"}
			}
		}`),
	}
}

// ListDirHandler handles list_dir calls.
func (w *Workspace) ListDirHandler(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	dir, err := w.resolve(a.Path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

// NewReadFileTool creates the read_file tool definition.
func NewReadFileTool() provider.Tool {
	return provider.Tool{
		Name:        "read_file",
		Description: "Read a file, optionally a line range. Lines are returned with 1-based line numbers.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path":   {"type": "string", "description": "File path relative to the working directory"},
				"offset": {"type": "integer", "description": "First line to read, 1-based (default 1)"},
				"limit":  {"type": "integer", "description": "Maximum number of lines (default: whole file)"}
			},
			"required": ["path"]
		}`),
	}
}

// ReadFileHandler handles read_file calls.
func (w *Workspace) ReadFileHandler(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	path, err := w.resolve(a.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(data), "\n")
	start := a.Offset
	if start < 1 {
		start = 1
	}
	if start > len(lines) {
		return fmt.Sprintf("(file has only %d lines)", len(lines)), nil
	}
	end := len(lines)
	if a.Limit > 0 && start-1+a.Limit < end {
		end = start - 1 + a.Limit
	}

	var b strings.Builder
	for i := start - 1; i < end; i++ {
		fmt.Fprintf(&b, "%d\t%s\n", i+1, lines[i])
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// NewWriteFileTool creates the write_file tool definition.
func NewWriteFileTool() provider.Tool {
	return provider.Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content. Parent directories are created.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path":    {"type": "string", "description": "File path relative to the working directory"},
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["path", "content"]
		}`),
	}
}

// WriteFileHandler handles write_file calls.
func (w *Workspace) WriteFileHandler(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	path, err := w.resolve(a.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(a.Content), a.Path), nil
}
