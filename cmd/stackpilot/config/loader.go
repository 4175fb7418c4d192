// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".stackpilot"
	configFileName = "stackpilot.yaml"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.stackpilot/stackpilot.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, configDirName, configFileName), nil
}

// Default returns the configuration used when no file exists yet. The
// state root lives next to the config file.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Config{
		StateRoot: filepath.Join(home, configDirName, "state"),
		Logging:   LoggingConfig{Level: "info"},
	}, nil
}

// Load reads the config at path, creating a default file on first run.
// An empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	path = expandHome(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err := Default()
		if err != nil {
			return nil, err
		}
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.StateRoot == "" {
		def, err := Default()
		if err != nil {
			return nil, err
		}
		cfg.StateRoot = def.StateRoot
	}
	cfg.StateRoot = expandHome(cfg.StateRoot)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ResolveRuntime fills in the compose command, autodetecting when the
// config does not pin one: docker with the compose plugin first, then
// podman-compose.
func ResolveRuntime(cfg *Config) (bin string, subcommand []string, err error) {
	if cfg.Runtime.Bin != "" {
		return cfg.Runtime.Bin, cfg.Runtime.Subcommand, nil
	}
	if _, err := exec.LookPath("docker"); err == nil {
		return "docker", []string{"compose"}, nil
	}
	if _, err := exec.LookPath("podman-compose"); err == nil {
		return "podman-compose", nil, nil
	}
	return "", nil, errors.New("no compose-capable runtime found: install docker or podman-compose, or set runtime.bin")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
