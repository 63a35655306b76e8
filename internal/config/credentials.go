package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Credentials holds API keys for LLM providers.
type Credentials struct {
	Providers map[string]ProviderCredentials `toml:"providers"`
}

// ProviderCredentials holds authentication for a single provider.
type ProviderCredentials struct {
	APIKey string `toml:"api_key"`
}

// LoadCredentials reads credentials from ~/.config/opta/credentials.toml.
// A missing file yields empty credentials; OPTA_<PROVIDER>_API_KEY
// environment variables override the file.
func LoadCredentials() (*Credentials, error) {
	creds := &Credentials{Providers: make(map[string]ProviderCredentials)}

	dir, err := DataDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "credentials.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, creds); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

// GetAPIKey returns the API key for a provider, env var first.
func (c *Credentials) GetAPIKey(provider string) string {
	envKey := "OPTA_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if c == nil || c.Providers == nil {
		return ""
	}
	return c.Providers[provider].APIKey
}

// SaveCredentials writes credentials with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	dir, err := EnsureDataDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "credentials.toml")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(creds)
}
