// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strings"
	"time"

	"github.com/ManuGH/btbusd/internal/log"
)

// applyEnv overlays BTBUSD_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.LogLevel = ParseString("BTBUSD_LOG_LEVEL", cfg.LogLevel)
	cfg.Listen = ParseString("BTBUSD_LISTEN", cfg.Listen)
	cfg.AgentPath = ParseString("BTBUSD_AGENT_PATH", cfg.AgentPath)
	cfg.Capability = ParseString("BTBUSD_CAPABILITY", cfg.Capability)
	cfg.PinCode = ParseString("BTBUSD_PIN_CODE", cfg.PinCode)
	cfg.AuthorizedUUIDs = ParseStringList("BTBUSD_AUTHORIZED_UUIDS", cfg.AuthorizedUUIDs)
	cfg.ShutdownTimeout = ParseDuration("BTBUSD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
}

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "pin") || strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "password"):
			// For sensitive vars, just log that it was set
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseDuration reads a duration from environment variable in Go duration format (e.g. "5s").
// It falls back to default on parse errors or empty variables and logs the choice.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			logger.Debug().
				Str("key", key).
				Dur("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		}
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Dur("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseStringList reads a comma-separated list from environment variable or
// returns the default value. Empty elements are dropped.
func ParseStringList(key string, defaultValue []string) []string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		list := splitCSV(v)
		logger.Debug().
			Str("key", key).
			Int("count", len(list)).
			Str("source", "environment").
			Msg("using environment variable")
		return list
	}
	logger.Debug().
		Str("key", key).
		Int("count", len(defaultValue)).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
