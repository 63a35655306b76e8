// Package config handles configuration loading from TOML files and
// environment variables, plus the persisted runtime overrides (permission
// upgrades, sticky flags) behind a hierarchical get/set interface.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	Autonomy        AutonomyConfig            `toml:"autonomy"`
	Browser         BrowserConfig             `toml:"browser"`
	Supervisor      SupervisorConfig          `toml:"supervisor"`
	Limits          LimitsConfig              `toml:"limits"`
	Permissions     map[string]string         `toml:"permissions"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Endpoint       string  `toml:"endpoint"`
	DuplexEndpoint string  `toml:"duplex_endpoint"` // ws(s)://, empty when unsupported
	Model          string  `toml:"model"`
	Temperature    float64 `toml:"temperature"`
	ContextLimit   int     `toml:"context_limit"`
}

// ContextLimitOrDefault returns the configured window or 128k tokens.
func (p ProviderConfig) ContextLimitOrDefault() int {
	if p.ContextLimit <= 0 {
		return 128_000
	}
	return p.ContextLimit
}

// AutonomyConfig selects the safety envelope.
type AutonomyConfig struct {
	Level            int    `toml:"level"`
	Mode             string `toml:"mode"` // "execution" or "ceo"
	HeadlessContinue bool   `toml:"headless_continue"`
	Checkpoints      bool   `toml:"checkpoints"`
}

// LevelOrDefault returns the configured level or 2.
func (a AutonomyConfig) LevelOrDefault() int {
	if a.Level <= 0 {
		return 2
	}
	return a.Level
}

// BrowserConfig drives session creation and the risk evaluator.
type BrowserConfig struct {
	Mode             string   `toml:"mode"` // "isolated" or "attach"
	Endpoint         string   `toml:"endpoint"`
	AllowedHosts     []string `toml:"allowed_hosts"`
	BlockedOrigins   []string `toml:"blocked_origins"`
	SensitiveActions []string `toml:"sensitive_actions"`
}

// SupervisorConfig sets the Atpo thresholds.
type SupervisorConfig struct {
	ErrorThreshold  int    `toml:"error_threshold"`
	VolumeThreshold int    `toml:"volume_threshold"`
	Model           string `toml:"model"`
}

// LimitsConfig overrides level-derived limits when non-zero.
type LimitsConfig struct {
	MaxParallelTools int `toml:"max_parallel_tools"`
	ToolTimeoutSecs  int `toml:"tool_timeout_secs"`
	MaskKeep         int `toml:"mask_keep"`
}

// MaskKeepOrDefault returns how many recent tool observations stay
// unmasked.
func (l LimitsConfig) MaskKeepOrDefault() int {
	if l.MaskKeep <= 0 {
		return 4
	}
	return l.MaskKeep
}

// Load reads configuration from a TOML file and applies environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers:   make(map[string]ProviderConfig),
		Permissions: make(map[string]string),
	}

	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if c.Autonomy.Level < 0 || c.Autonomy.Level > 5 {
		errs = append(errs, fmt.Errorf("autonomy.level=%d must be between 1 and 5", c.Autonomy.Level))
	}
	if m := c.Autonomy.Mode; m != "" && m != "execution" && m != "ceo" {
		errs = append(errs, fmt.Errorf("autonomy.mode=%q must be execution or ceo", m))
	}
	if m := c.Browser.Mode; m != "" && m != "isolated" && m != "attach" {
		errs = append(errs, fmt.Errorf("browser.mode=%q must be isolated or attach", m))
	}
	if c.Browser.Mode == "attach" && c.Browser.Endpoint == "" {
		errs = append(errs, errors.New("browser.endpoint is required in attach mode"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}
	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}
	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}
	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPTA_AUTONOMY_LEVEL"); v != "" {
		var level int
		if _, err := fmt.Sscanf(v, "%d", &level); err == nil {
			cfg.Autonomy.Level = level
		}
	}
	if v := os.Getenv("OPTA_BROWSER_ENDPOINT"); v != "" {
		cfg.Browser.Endpoint = v
	}
}

// DataDir returns the path to the Opta data directory (~/.config/opta).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "opta"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
