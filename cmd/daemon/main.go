// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ManuGH/btbusd/internal/api"
	"github.com/ManuGH/btbusd/internal/bluez"
	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/config"
	"github.com/ManuGH/btbusd/internal/daemon"
	"github.com/ManuGH/btbusd/internal/devices"
	btlog "github.com/ManuGH/btbusd/internal/log"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("btbusd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the real configuration is loaded.
	btlog.Configure(btlog.Config{Service: "btbusd"})
	logger := btlog.Base()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ENV precedence: -config flag > BTBUSD_CONFIG > env-only.
	effectivePath := *configPath
	if effectivePath == "" {
		effectivePath = config.PathFromEnv()
	}

	cfg, err := config.Load(effectivePath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
	}
	btlog.SetLevel(cfg.LogLevel)

	if effectivePath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectivePath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	// Hot reload support: watch the config file and re-apply the dynamic
	// subset. The agent policy reads the holder on every request, so only
	// the log level needs an explicit listener.
	holder := config.NewHolder(cfg, effectivePath)
	reloads := make(chan config.Config, 1)
	holder.RegisterListener(reloads)
	go func() {
		for next := range reloads {
			btlog.SetLevel(next.LogLevel)
		}
	}()

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("starting btbusd")

	// Log key configuration
	logger.Info().Msgf("→ Agent: %s (capability: %s)", cfg.AgentPath, cfg.Capability)
	if cfg.Listen != "" {
		logger.Info().Msgf("→ Admin API: %s", cfg.Listen)
	} else {
		logger.Info().Msg("→ Admin API: disabled")
	}
	if len(cfg.AuthorizedUUIDs) > 0 {
		logger.Info().Msgf("→ Authorization: %d allowed service UUIDs", len(cfg.AuthorizedUUIDs))
	} else {
		logger.Warn().Msg("→ Authorization: all service UUIDs allowed. Set authorized_uuids to restrict.")
	}
	if cfg.PinCode != "" {
		logger.Info().Msg("→ PIN: configured")
	} else {
		logger.Warn().Msg("→ PIN: NOT configured (legacy PIN pairing requests will be refused)")
	}

	conn, err := bus.ConnectSystem()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "bus.connect_failed").
			Msg("failed to connect to the system bus")
	}

	registry := devices.NewRegistry()

	cb := registry.Callbacks()
	cb.AgentAuthorize = func(devicePath, uuid string) bool {
		return uuidAuthorized(holder.Current().AuthorizedUUIDs, uuid)
	}
	cb.RequestPinCode = func(req *bluez.PinRequest) {
		pin := holder.Current().PinCode
		if pin == "" {
			if err := req.Reject("No PIN configured"); err != nil {
				logger.Warn().
					Err(err).
					Str("event", "agent.pin_reject_failed").
					Str(btlog.FieldAddress, req.Device).
					Msg("could not refuse pin request")
			}
			return
		}
		if err := req.Submit(pin); err != nil {
			logger.Warn().
				Err(err).
				Str("event", "agent.pin_submit_failed").
				Str(btlog.FieldAddress, req.Device).
				Msg("could not answer pin request")
		}
	}

	service, err := bluez.New(conn, cb, bluez.Config{
		AgentPath:  cfg.AgentPath,
		Capability: cfg.Capability,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "bridge.creation_failed").
			Msg("failed to create bluetooth bridge")
	}

	var apiHandler http.Handler
	if cfg.Listen != "" {
		apiHandler = api.NewServer(registry, service).Handler()
	}

	mgr, err := daemon.NewManager(cfg, daemon.Deps{
		Logger:     logger,
		Bridge:     service,
		APIHandler: apiHandler,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.creation_failed").
			Msg("failed to create daemon manager")
	}

	// Hooks run LIFO after the bridge has stopped, so the bus connection
	// closes last.
	mgr.RegisterShutdownHook("bus-connection", func(context.Context) error {
		return conn.Close()
	})
	mgr.RegisterShutdownHook("config-watcher", func(context.Context) error {
		holder.Stop()
		return nil
	})

	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "config.watcher_failed").
			Msg("config hot reload unavailable")
	}

	// Start daemon manager (blocks until shutdown)
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.failed").
			Msg("daemon manager failed")
	}

	logger.Info().Msg("server exiting")
}

// uuidAuthorized applies the service allow-list. An empty list allows
// everything.
func uuidAuthorized(allowed []string, uuid string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		if strings.EqualFold(entry, uuid) {
			return true
		}
	}
	return false
}
