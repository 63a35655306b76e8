package sysprompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileProjectContext loads project instructions from OPTA.md / AGENTS.md
// files, searching from the working directory up to the root, then the
// user's config directory. Project-level files take precedence.
type FileProjectContext struct {
	WorkDir string
}

var contextFileNames = []string{"OPTA.md", "AGENTS.md"}

// Fragment implements ProjectContext.
func (f *FileProjectContext) Fragment() string {
	var fragments []string

	dir := f.WorkDir
	for {
		for _, name := range contextFileNames {
			path := filepath.Join(dir, name)
			if content := readFileIfExists(path); content != "" {
				fragments = append(fragments, fmt.Sprintf("Instructions from: %s\n%s", path, content))
				break
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "opta", "OPTA.md")
		if content := readFileIfExists(path); content != "" {
			fragments = append(fragments, fmt.Sprintf("Instructions from: %s\n%s", path, content))
		}
	}

	// Reverse so the user-level file and outer directories come first and
	// the nearest (project-level) instructions come last.
	for i, j := 0, len(fragments)-1; i < j; i, j = i+1, j-1 {
		fragments[i], fragments[j] = fragments[j], fragments[i]
	}
	return strings.Join(fragments, "\n\n")
}

// readFileIfExists reads a file if it exists, returns empty string otherwise.
func readFileIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
