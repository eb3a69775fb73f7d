package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// EnvConfigPath overrides the user config location when set.
const EnvConfigPath = "SLB_CONFIG"

// Load builds the effective configuration for a project: defaults, then the
// user config, then the project config.  Missing files are fine; malformed
// files are not.
func Load(projectPath string) (*Config, error) {
	cfg := Default()

	userPath := os.Getenv(EnvConfigPath)
	if userPath == "" {
		userPath = filepath.Join(UserDir(), "config.toml")
	}

	for _, path := range []string{userPath, filepath.Join(ProjectDir(projectPath), "config.toml")} {
		if err := overlay(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// overlay decodes path into cfg when the file exists.
func overlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	slog.Debug("config layer applied", "path", path)
	return nil
}
