// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration. Values are resolved in
// three layers: built-in defaults, an optional YAML file, then BTBUSD_*
// environment overrides. The Holder re-reads the file on change and swaps
// the result in only when it validates.
package config

import (
	"time"
)

// Config is the daemon's full configuration.
type Config struct {
	// LogLevel is a zerolog level name. Reloadable.
	LogLevel string `yaml:"log_level"`

	// Listen is the admin HTTP address. Empty disables the admin
	// surface. Requires a restart.
	Listen string `yaml:"listen"`

	// AgentPath is the D-Bus object path the pairing agent is exported
	// at. Requires a restart.
	AgentPath string `yaml:"agent_path"`

	// Capability is the IO capability announced to the daemon at agent
	// registration. Requires a restart.
	Capability string `yaml:"capability"`

	// PinCode answers the daemon's PIN requests. Reloadable.
	PinCode string `yaml:"pin_code"`

	// AuthorizedUUIDs whitelists service UUIDs for authorization
	// requests. Empty authorizes everything. Reloadable.
	AuthorizedUUIDs []string `yaml:"authorized_uuids"`

	// ShutdownTimeout bounds graceful shutdown. Requires a restart.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:        "info",
		Listen:          "127.0.0.1:8480",
		AgentPath:       "/btbusd/agent",
		Capability:      "DisplayYesNo",
		PinCode:         "0000",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// when non-empty, then environment overrides. The result is not validated;
// callers run Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := fc.apply(&cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// PathFromEnv returns the config file path from BTBUSD_CONFIG, if set.
func PathFromEnv() string {
	return ParseString("BTBUSD_CONFIG", "")
}
