package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix scopes every environment override.
const EnvPrefix = "REPORTLINE_"

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv overlays REPORTLINE_* variables on cfg.
func ApplyEnv(cfg *Config) error {
	return ParseEnv(cfg)
}
