// Package checkpoint creates per-edit recovery points as git refs for
// rollback. Periodic conversation snapshots for crash resumption are
// written by the store package.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// refPrefix is where edit checkpoints live; plain refs keep the working
// tree and the user's history untouched.
const refPrefix = "refs/opta/checkpoints"

// Manager writes sequentially numbered edit checkpoints into a versioned
// working directory. Disabled managers and non-repo directories are no-ops.
type Manager struct {
	workDir string
	enabled bool
	isRepo  bool
	seq     int
}

// New creates a manager for workDir.
func New(workDir string, enabled bool) *Manager {
	m := &Manager{workDir: workDir, enabled: enabled}
	if enabled {
		info, err := os.Stat(filepath.Join(workDir, ".git"))
		m.isRepo = err == nil && info.IsDir()
		if !m.isRepo {
			log.Debug().Str("dir", workDir).Msg("Not a git repository; edit checkpoints disabled")
		}
	}
	return m
}

// Seq returns the number of checkpoints written so far.
func (m *Manager) Seq() int { return m.seq }

// CheckpointEdit records the working tree state after a file-modifying
// tool ran. Failures are logged, never propagated: a missed checkpoint
// must not fail the turn.
func (m *Manager) CheckpointEdit(ctx context.Context, tool string, args json.RawMessage) {
	if !m.enabled || !m.isRepo {
		return
	}

	hash, err := m.git(ctx, "stash", "create", fmt.Sprintf("opta checkpoint %d (%s)", m.seq+1, tool))
	if err != nil {
		log.Warn().Err(err).Msg("Checkpoint stash failed")
		return
	}
	if hash == "" {
		// Clean tree relative to HEAD: nothing to snapshot.
		hash, err = m.git(ctx, "rev-parse", "HEAD")
		if err != nil {
			log.Warn().Err(err).Msg("Checkpoint rev-parse failed")
			return
		}
	}

	m.seq++
	ref := fmt.Sprintf("%s/%d", refPrefix, m.seq)
	if _, err := m.git(ctx, "update-ref", ref, hash); err != nil {
		log.Warn().Err(err).Str("ref", ref).Msg("Checkpoint ref update failed")
		m.seq--
		return
	}
	log.Debug().Str("ref", ref).Str("tool", tool).Msg("Edit checkpoint written")
}

// List returns the recorded checkpoint refs sorted by ref name, which is
// lexicographic (".../10" sorts before ".../2").
func (m *Manager) List(ctx context.Context) ([]string, error) {
	if !m.isRepo {
		return nil, nil
	}
	out, err := m.git(ctx, "for-each-ref", "--format=%(refname)", refPrefix)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.workDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
