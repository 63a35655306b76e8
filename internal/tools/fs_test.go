package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/optahq/opta/internal/shell"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"
	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return &Workspace{Root: root}
}

func TestListDir(t *testing.T) {
	ws := testWorkspace(t)
	out, err := ws.ListDirHandler(context.Background(), json.RawMessage(`{"path":"src"}`))
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if out != "main.go" {
		t.Fatalf("out = %q", out)
	}

	out, err = ws.ListDirHandler(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ListDir root: %v", err)
	}
	if !strings.Contains(out, "src/") {
		t.Fatalf("out = %q", out)
	}
}

func TestReadFile_OffsetLimit(t *testing.T) {
	ws := testWorkspace(t)
	out, err := ws.ReadFileHandler(context.Background(), json.RawMessage(`{"path":"src/main.go","offset":3,"limit":2}`))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "3\t") {
		t.Fatalf("out = %q", out)
	}
}

func TestWorkspace_RejectsEscape(t *testing.T) {
	ws := testWorkspace(t)
	if _, err := ws.ReadFileHandler(context.Background(), json.RawMessage(`{"path":"../outside"}`)); err == nil {
		t.Fatal("expected containment error")
	}
	if _, err := ws.WriteFileHandler(context.Background(), json.RawMessage(`{"path":"/etc/passwd","content":"x"}`)); err == nil {
		t.Fatal("expected containment error")
	}
}

func TestEditFile_UniqueReplaceAndDiff(t *testing.T) {
	ws := testWorkspace(t)
	out, err := ws.EditFileHandler(context.Background(), json.RawMessage(
		`{"path":"src/main.go","old_string":"println(\"hi\")","new_string":"println(\"bye\")"}`))
	if err != nil {
		t.Fatalf("EditFile: %v", err)
	}
	if !strings.Contains(out, "-\tprintln(\"hi\")") || !strings.Contains(out, "+\tprintln(\"bye\")") {
		t.Fatalf("diff = %q", out)
	}

	data, _ := os.ReadFile(filepath.Join(ws.Root, "src", "main.go"))
	if !strings.Contains(string(data), "bye") {
		t.Fatal("file not updated")
	}

	// Ambiguous old_string fails without replace_all.
	if _, err := ws.EditFileHandler(context.Background(), json.RawMessage(
		`{"path":"src/main.go","old_string":"\n","new_string":";"}`)); err == nil {
		t.Fatal("expected ambiguity error")
	}
}

func TestRunCommandHandler_FormatsExit(t *testing.T) {
	root := t.TempDir()
	h := &RunCommandHandler{Shell: shell.New(root, nil)}

	out, err := h.Handle(context.Background(), json.RawMessage(`{"command":"echo ok"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out != "ok\n" {
		t.Fatalf("out = %q", out)
	}

	out, err = h.Handle(context.Background(), json.RawMessage(`{"command":"false"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(out, "[exit 1]") {
		t.Fatalf("out = %q", out)
	}
	if !hasNonZeroExit(out) {
		t.Fatal("exit marker not recognized")
	}
}

func TestContainsWord(t *testing.T) {
	if !containsWord("go test ./...", "test") {
		t.Fatal("go test should match")
	}
	if !containsWord("npm run lint:fix", "lint") {
		t.Fatal("lint:fix should match")
	}
	if containsWord("echo testing", "test") {
		t.Fatal("testing must not match test")
	}
}
