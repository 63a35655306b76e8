package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Overrides is the persisted runtime key/value store: permission upgrades
// and other settings the agent changes while running. Keys are dotted
// paths ("permissions.run_command"). Every Set writes through to disk.
type Overrides struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// LoadOverrides opens (or creates) the overrides file under the data dir.
func LoadOverrides() (*Overrides, error) {
	dir, err := EnsureDataDir()
	if err != nil {
		return nil, err
	}
	return LoadOverridesFrom(filepath.Join(dir, "overrides.toml"))
}

// LoadOverridesFrom opens an overrides store at an explicit path.
func LoadOverridesFrom(path string) (*Overrides, error) {
	o := &Overrides{path: path, values: make(map[string]string)}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &o.values); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Get returns a stored value.
func (o *Overrides) Get(key string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.values[key]
	return v, ok
}

// Set stores a value and persists the file atomically
// (read-modify-write under the lock, temp file, rename).
func (o *Overrides) Set(key, value string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[key] = value
	return o.flush()
}

func (o *Overrides) flush() error {
	tmp := o.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(o.values); err != nil {
		f.Close()
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return err
	}
	log.Debug().Str("path", o.path).Msg("Overrides persisted")
	return nil
}
