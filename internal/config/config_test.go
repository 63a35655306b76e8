package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
default_provider = "local"

[providers.local]
endpoint = "http://localhost:8080/v1/chat/completions"
duplex_endpoint = "ws://localhost:8080/v1/chat/stream"
model = "opta-1"
temperature = 0.2
context_limit = 32000

[autonomy]
level = 3
mode = "execution"
checkpoints = true

[browser]
mode = "isolated"
allowed_hosts = ["example.com"]

[permissions]
read_file = "allow"
run_command = "ask"
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultProvider != "local" {
		t.Errorf("default_provider = %q", cfg.DefaultProvider)
	}
	p := cfg.Providers["local"]
	if p.Model != "opta-1" || p.DuplexEndpoint == "" {
		t.Errorf("provider = %+v", p)
	}
	if p.ContextLimitOrDefault() != 32000 {
		t.Errorf("context limit = %d", p.ContextLimitOrDefault())
	}
	if cfg.Autonomy.LevelOrDefault() != 3 {
		t.Errorf("level = %d", cfg.Autonomy.LevelOrDefault())
	}
	if cfg.Permissions["run_command"] != "ask" {
		t.Errorf("permissions = %v", cfg.Permissions)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"no providers":     `default_provider = "x"`,
		"bad endpoint":     "[providers.p]\nendpoint = \"not a url\"\nmodel = \"m\"",
		"bad mode":         validConfig + "\n[autonomy2]", // placeholder replaced below
		"attach, noendpt":  "[providers.p]\nendpoint = \"http://h/v1\"\nmodel = \"m\"\n[browser]\nmode = \"attach\"",
		"level out of rng": "[providers.p]\nendpoint = \"http://h/v1\"\nmodel = \"m\"\n[autonomy]\nlevel = 9",
	}
	cases["bad mode"] = "[providers.p]\nendpoint = \"http://h/v1\"\nmodel = \"m\"\n[autonomy]\nmode = \"yolo\""

	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOverrides_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.toml")
	o, err := LoadOverridesFrom(path)
	if err != nil {
		t.Fatalf("LoadOverridesFrom: %v", err)
	}
	if err := o.Set("permissions.run_command", "allow"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reloaded, err := LoadOverridesFrom(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, ok := reloaded.Get("permissions.run_command"); !ok || v != "allow" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if _, ok := reloaded.Get("missing"); ok {
		t.Fatal("unexpected hit")
	}
}
