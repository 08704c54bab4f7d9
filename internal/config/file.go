// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with optional fields so absent keys keep their
// defaults. Durations are strings in the file ("10s").
type fileConfig struct {
	LogLevel        *string  `yaml:"log_level"`
	Listen          *string  `yaml:"listen"`
	AgentPath       *string  `yaml:"agent_path"`
	Capability      *string  `yaml:"capability"`
	PinCode         *string  `yaml:"pin_code"`
	AuthorizedUUIDs []string `yaml:"authorized_uuids"`
	ShutdownTimeout *string  `yaml:"shutdown_timeout"`
}

// readFile parses the YAML file at path. Unknown keys are rejected so
// typos surface instead of silently keeping defaults.
func readFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var fc fileConfig
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// apply overlays the file values onto cfg.
func (fc *fileConfig) apply(cfg *Config) error {
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.Listen != nil {
		cfg.Listen = *fc.Listen
	}
	if fc.AgentPath != nil {
		cfg.AgentPath = *fc.AgentPath
	}
	if fc.Capability != nil {
		cfg.Capability = *fc.Capability
	}
	if fc.PinCode != nil {
		cfg.PinCode = *fc.PinCode
	}
	if fc.AuthorizedUUIDs != nil {
		cfg.AuthorizedUUIDs = append([]string(nil), fc.AuthorizedUUIDs...)
	}
	if fc.ShutdownTimeout != nil {
		d, err := time.ParseDuration(*fc.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	return nil
}
