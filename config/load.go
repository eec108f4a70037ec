package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load builds the effective configuration: defaults, overridden by the TOML
// file at path (optional, empty path skips it), overridden by env-provided
// secrets. The result is validated.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvSessionSecret); v != "" {
		cfg.Session.Secret = []byte(v)
	}
	if v := os.Getenv(EnvArtifactSecret); v != "" {
		cfg.Artifacts.TokenSecret = []byte(v)
	}
	if v := os.Getenv(EnvSmtpPassword); v != "" {
		cfg.Smtp.Password = v
	}
	if v := os.Getenv(EnvDiscordWebhook); v != "" {
		cfg.Notifier.DiscordWebhookURL = v
	}
}
