// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/eventloop"
	"github.com/ManuGH/btbusd/internal/log"
)

// Defaults for the agent registration record.
const (
	DefaultAgentPath  = "/btbusd/agent"
	DefaultCapability = "DisplayYesNo"
)

// ErrNoAdapter is returned when an operation needs the default adapter and
// none has been resolved.
var ErrNoAdapter = errors.New("no default adapter known")

// Config tunes a Service.
type Config struct {
	// AgentPath is the object path the pairing agent is exported at.
	// Empty means DefaultAgentPath.
	AgentPath string

	// Capability is the IO capability announced at agent registration.
	// Empty means DefaultCapability.
	Capability string

	// Secondary receives signals the built-in table does not recognize,
	// ahead of default handling. Optional.
	Secondary bus.Filter

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// Service is the bridge between the daemon and the application: one bus
// connection, one event loop, the signal dispatcher, the pairing agent and
// the outstanding-call registry.
type Service struct {
	conn   bus.Conn
	cfg    Config
	cb     Callbacks
	logger zerolog.Logger

	loop    *eventloop.Loop
	adapter *adapterCache
	agent   *agent
	disp    *dispatcher
	pending *pendingSet

	// Registration progress, mutated only inside setup and teardown,
	// which the loop lifecycle serializes.
	filterID        bus.FilterID
	filterInstalled bool
	matchesAdded    []string
	pathRegistered  bool
	agentRegistered bool
}

// New builds a stopped Service on the given connection. The connection
// stays owned by the caller; Stop does not close it.
func New(conn bus.Conn, cb Callbacks, cfg Config) (*Service, error) {
	if conn == nil {
		return nil, fmt.Errorf("service requires a bus connection")
	}
	if cfg.AgentPath == "" {
		cfg.AgentPath = DefaultAgentPath
	}
	if cfg.Capability == "" {
		cfg.Capability = DefaultCapability
	}
	logger := log.WithComponent("bluez")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Service{
		conn:    conn,
		cfg:     cfg,
		cb:      cb,
		logger:  logger,
		adapter: &adapterCache{},
		pending: newPendingSet(),
	}
	s.agent = &agent{conn: conn, cb: cb, logger: logger}
	s.disp = &dispatcher{
		conn:      conn,
		cb:        cb,
		adapter:   s.adapter,
		secondary: cfg.Secondary,
		logger:    logger,
	}

	if names := cb.unset(); len(names) > 0 {
		logger.Debug().
			Str(log.FieldEvent, "service.callbacks_unset").
			Strs("callbacks", names).
			Msg("events without a registered handler are dropped")
	}

	loop, err := eventloop.New(eventloop.Config{
		Conn:     conn,
		Setup:    s.setup,
		Teardown: s.teardown,
		Logger:   &logger,
	})
	if err != nil {
		return nil, err
	}
	s.loop = loop
	return s, nil
}

// Start brings the bridge up: dispatcher filter, signal subscriptions,
// agent export, adapter resolution and agent registration, then the event
// loop worker. A failure along the way unwinds what was registered and
// leaves the Service stopped.
func (s *Service) Start() error {
	return s.loop.Start()
}

// Stop shuts the worker down, unregisters everything setup registered and
// completes every outstanding call with its cancellation result. The
// connection stays open.
func (s *Service) Stop() {
	s.loop.Stop()
	s.cancelPending()
}

// IsRunning reports whether the event loop worker is up.
func (s *Service) IsRunning() bool {
	return s.loop.IsRunning()
}

// AdapterPath returns the cached default adapter object path, or "" before
// the first successful resolution.
func (s *Service) AdapterPath() string {
	return s.adapter.Path()
}

// CreatePairedDevice starts pairing with the given remote address. The
// outcome arrives through the CreatePairedDeviceResult callback; a nil
// return means only that the request was issued.
func (s *Service) CreatePairedDevice(address string) error {
	adapterPath := s.adapter.Path()
	if adapterPath == "" {
		return ErrNoAdapter
	}

	p := &pendingCall{kind: pendingBond, address: address}
	s.pending.add(p)

	msg := bus.NewMethodCall(BusName, adapterPath, AdapterInterface, "CreatePairedDevice",
		address, dbus.ObjectPath(s.cfg.AgentPath), s.cfg.Capability)
	if err := s.conn.CallAsync(msg, func(reply *bus.Message) { s.completeBond(p, reply) }); err != nil {
		if p.claim() {
			s.pending.remove(p)
		}
		return fmt.Errorf("create paired device: %w", err)
	}

	s.logger.Info().
		Str(log.FieldEvent, "service.pairing_started").
		Str(log.FieldAddress, address).
		Msg("pairing requested")
	return nil
}

// GetDeviceServiceChannel looks up the profile channel the device at
// devicePath advertises for the given service UUID and SDP attribute. The
// result arrives through the DeviceServiceChannelResult callback, keyed by
// the address derived from the device path.
func (s *Service) GetDeviceServiceChannel(devicePath, uuidPattern string, attributeID uint16) error {
	pattern, err := uuid.Parse(uuidPattern)
	if err != nil {
		return fmt.Errorf("service uuid %q: %w", uuidPattern, err)
	}

	p := &pendingCall{kind: pendingChannel, address: AddressFromPath(devicePath)}
	s.pending.add(p)

	msg := bus.NewMethodCall(BusName, devicePath, DeviceInterface, "GetServiceAttributeValue",
		pattern.String(), attributeID)
	if err := s.conn.CallAsync(msg, func(reply *bus.Message) { s.completeChannel(p, reply) }); err != nil {
		if p.claim() {
			s.pending.remove(p)
		}
		return fmt.Errorf("get service channel: %w", err)
	}
	return nil
}

func (s *Service) setup(conn bus.Conn) error {
	s.filterID = conn.AddFilter(s.disp.Filter)
	s.filterInstalled = true

	for _, rule := range matchRules {
		if err := conn.AddMatch(rule); err != nil {
			s.unwind(conn)
			return fmt.Errorf("subscribe %q: %w", rule, err)
		}
		s.matchesAdded = append(s.matchesAdded, rule)
	}

	if err := conn.RegisterObjectPath(s.cfg.AgentPath, s.agent.HandleCall); err != nil {
		s.unwind(conn)
		return fmt.Errorf("register agent path: %w", err)
	}
	s.pathRegistered = true

	if err := s.adapter.refresh(conn); err != nil {
		s.unwind(conn)
		return err
	}

	reg := bus.NewMethodCall(BusName, s.adapter.Path(), AdapterInterface, "RegisterAgent",
		dbus.ObjectPath(s.cfg.AgentPath), s.cfg.Capability)
	if _, err := conn.Call(reg); err != nil {
		s.unwind(conn)
		return fmt.Errorf("register agent: %w", err)
	}
	s.agentRegistered = true

	s.logger.Info().
		Str(log.FieldEvent, "service.ready").
		Str(log.FieldAdapter, s.adapter.Path()).
		Str(log.FieldObjPath, s.cfg.AgentPath).
		Msg("agent registered with daemon")
	return nil
}

func (s *Service) teardown(conn bus.Conn) {
	s.unwind(conn)
}

// unwind releases whatever setup acquired, in teardown order. It serves
// both the failed-setup path and the worker's teardown; daemon-side
// failures are logged and skipped.
func (s *Service) unwind(conn bus.Conn) {
	if s.agentRegistered {
		unreg := bus.NewMethodCall(BusName, s.adapter.Path(), AdapterInterface, "UnregisterAgent",
			dbus.ObjectPath(s.cfg.AgentPath))
		if _, err := conn.Call(unreg); err != nil {
			s.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "service.unregister_agent_failed").
				Msg("could not unregister agent from daemon")
		}
		s.agentRegistered = false
	}
	if s.pathRegistered {
		conn.UnregisterObjectPath(s.cfg.AgentPath)
		s.pathRegistered = false
	}
	for _, rule := range s.matchesAdded {
		if err := conn.RemoveMatch(rule); err != nil {
			s.logger.Debug().
				Err(err).
				Str(log.FieldEvent, "service.remove_match_failed").
				Str(log.FieldRule, rule).
				Msg("match removal failed")
		}
	}
	s.matchesAdded = nil
	if s.filterInstalled {
		conn.RemoveFilter(s.filterID)
		s.filterInstalled = false
	}
}
