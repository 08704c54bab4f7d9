// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/log"
	"github.com/ManuGH/btbusd/internal/metrics"
)

// dispatcher translates daemon signals into application callbacks. It is
// installed as a connection filter ahead of default handling and runs on
// the event loop's worker goroutine.
type dispatcher struct {
	conn      bus.Conn
	cb        Callbacks
	adapter   *adapterCache
	secondary bus.Filter
	logger    zerolog.Logger
}

// Filter applies the signal table. Non-signals pass through untouched. A
// recognized member with a malformed payload is logged and consumed
// without a callback; unrecognized signals are offered to the secondary
// filter before falling through.
func (d *dispatcher) Filter(msg *bus.Message) bus.HandlerResult {
	if msg.Type != bus.TypeSignal {
		return bus.NotYetHandled
	}
	switch {
	case msg.IsSignal(AdapterInterface, "DeviceFound"):
		return d.deviceFound(msg)
	case msg.IsSignal(AdapterInterface, "DeviceDisappeared"):
		return d.deviceDisappeared(msg)
	case msg.IsSignal(AdapterInterface, "DeviceCreated"):
		return d.deviceObject(msg, d.cb.DeviceCreated)
	case msg.IsSignal(AdapterInterface, "DeviceRemoved"):
		return d.deviceObject(msg, d.cb.DeviceRemoved)
	case msg.IsSignal(AdapterInterface, "PropertyChanged"):
		return d.adapterPropertyChanged(msg)
	case msg.IsSignal(DeviceInterface, "PropertyChanged"):
		return d.devicePropertyChanged(msg)
	}
	if d.secondary != nil {
		return d.secondary(msg)
	}
	return bus.NotYetHandled
}

func (d *dispatcher) malformed(msg *bus.Message, err error) bus.HandlerResult {
	d.logger.Error().
		Err(err).
		Str(log.FieldEvent, "dispatch.malformed").
		Str(log.FieldInterface, msg.Interface).
		Str(log.FieldMember, msg.Member).
		Msg("dropping signal with unexpected payload")
	return bus.Handled
}

func (d *dispatcher) deviceFound(msg *bus.Message) bus.HandlerResult {
	var address string
	var dict map[string]dbus.Variant
	if err := msg.Args(&address, &dict); err != nil {
		return d.malformed(msg, err)
	}
	metrics.IncSignal(msg.Member)
	props := DecodeProperties(dict)
	d.logger.Debug().
		Str(log.FieldEvent, "dispatch.device_found").
		Str(log.FieldAddress, address).
		Int("properties", len(props)).
		Msg("device found")
	if d.cb.DeviceFound != nil {
		d.cb.DeviceFound(address, props)
	}
	return bus.Handled
}

func (d *dispatcher) deviceDisappeared(msg *bus.Message) bus.HandlerResult {
	var address string
	if err := msg.Args(&address); err != nil {
		return d.malformed(msg, err)
	}
	metrics.IncSignal(msg.Member)
	if d.cb.DeviceDisappeared != nil {
		d.cb.DeviceDisappeared(address)
	}
	return bus.Handled
}

// deviceObject handles the two signals whose payload is a single device
// object path.
func (d *dispatcher) deviceObject(msg *bus.Message, cb func(path string)) bus.HandlerResult {
	var path dbus.ObjectPath
	if err := msg.Args(&path); err != nil {
		return d.malformed(msg, err)
	}
	metrics.IncSignal(msg.Member)
	d.logger.Debug().
		Str(log.FieldEvent, "dispatch.device_object").
		Str(log.FieldMember, msg.Member).
		Str(log.FieldObjPath, string(path)).
		Msg("device object changed")
	if cb != nil {
		cb(string(path))
	}
	return bus.Handled
}

func (d *dispatcher) adapterPropertyChanged(msg *bus.Message) bus.HandlerResult {
	prop, err := propertyFromArgs(msg)
	if err != nil {
		return d.malformed(msg, err)
	}
	metrics.IncSignal(msg.Member)
	if prop.Name == poweredProperty && prop.Value == "true" {
		// The daemon may have restarted behind our back; the adapter
		// object is only trustworthy again once it reports powered.
		if err := d.adapter.refresh(d.conn); err != nil {
			d.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "dispatch.adapter_refresh_failed").
				Msg("keeping stale adapter path")
		} else {
			d.logger.Info().
				Str(log.FieldEvent, "dispatch.adapter_refreshed").
				Str(log.FieldAdapter, d.adapter.Path()).
				Msg("adapter powered on")
		}
	}
	if d.cb.AdapterPropertyChanged != nil {
		d.cb.AdapterPropertyChanged(prop)
	}
	return bus.Handled
}

func (d *dispatcher) devicePropertyChanged(msg *bus.Message) bus.HandlerResult {
	prop, err := propertyFromArgs(msg)
	if err != nil {
		return d.malformed(msg, err)
	}
	metrics.IncSignal(msg.Member)
	if d.cb.DevicePropertyChanged != nil {
		d.cb.DevicePropertyChanged(msg.Path, prop)
	}
	return bus.Handled
}

// propertyFromArgs decodes the (name, variant value) pair carried by
// PropertyChanged signals.
func propertyFromArgs(msg *bus.Message) (Property, error) {
	var name string
	var value dbus.Variant
	if err := msg.Args(&name, &value); err != nil {
		return Property{}, err
	}
	return Property{Name: name, Value: FormatValue(value.Value())}, nil
}
