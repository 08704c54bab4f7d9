// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// agentCapabilities are the IO capability strings the daemon accepts at
// agent registration.
var agentCapabilities = map[string]bool{
	"DisplayOnly":     true,
	"DisplayYesNo":    true,
	"KeyboardOnly":    true,
	"NoInputNoOutput": true,
}

// Validate checks cfg for values the daemon cannot start (or keep running)
// with. It returns the first problem found.
func Validate(cfg Config) error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level %q: %w", cfg.LogLevel, err)
	}

	if cfg.Listen != "" {
		_, port, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen %q: %w", cfg.Listen, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("listen %q: invalid port", cfg.Listen)
		}
	}

	if !dbus.ObjectPath(cfg.AgentPath).IsValid() {
		return fmt.Errorf("agent_path %q: not a valid object path", cfg.AgentPath)
	}

	if !agentCapabilities[cfg.Capability] {
		return fmt.Errorf("capability %q: unknown IO capability", cfg.Capability)
	}

	if cfg.PinCode != "" && len(cfg.PinCode) > 16 {
		return fmt.Errorf("pin_code: longer than 16 characters")
	}

	for _, u := range cfg.AuthorizedUUIDs {
		if _, err := uuid.Parse(u); err != nil {
			return fmt.Errorf("authorized_uuids entry %q: %w", u, err)
		}
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout: must be positive")
	}
	return nil
}
