// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package devices keeps an in-memory view of the remote devices the daemon
// has reported. The registry is fed by bridge callbacks and read by the
// admin API; nothing is persisted.
package devices

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/btbusd/internal/bluez"
	"github.com/ManuGH/btbusd/internal/log"
)

// Device is a snapshot of one remote device's known state.
type Device struct {
	Address        string            `json:"address"`
	Path           string            `json:"path,omitempty"`
	Name           string            `json:"name,omitempty"`
	Present        bool              `json:"present"`
	Paired         bool              `json:"paired"`
	Properties     map[string]string `json:"properties,omitempty"`
	LastSeen       time.Time         `json:"last_seen"`
	LastBondResult string            `json:"last_bond_result,omitempty"`
	ServiceChannel int32             `json:"service_channel,omitempty"`
}

// Registry accumulates device state from bridge events. All methods are
// safe for concurrent use.
type Registry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	byAddr  map[string]*Device
	adapter map[string]string

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  log.WithComponent("devices"),
		byAddr:  make(map[string]*Device),
		adapter: make(map[string]string),
		now:     time.Now,
	}
}

// Callbacks wires the registry into the bridge's event surface. The agent
// and result policy fields stay nil; the caller overlays those.
func (r *Registry) Callbacks() bluez.Callbacks {
	return bluez.Callbacks{
		DeviceFound:                r.deviceFound,
		DeviceDisappeared:          r.deviceDisappeared,
		DeviceCreated:              r.deviceCreated,
		DeviceRemoved:              r.deviceRemoved,
		AdapterPropertyChanged:     r.adapterPropertyChanged,
		DevicePropertyChanged:      r.devicePropertyChanged,
		CreatePairedDeviceResult:   r.bondResult,
		DeviceServiceChannelResult: r.serviceChannel,
	}
}

// Snapshot returns all known devices sorted by address.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byAddr))
	for _, d := range r.byAddr {
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Get returns one device by address.
func (r *Registry) Get(address string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byAddr[address]
	if !ok {
		return Device{}, false
	}
	return cloneDevice(d), true
}

// AdapterState returns the last known adapter properties.
func (r *Registry) AdapterState() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.adapter))
	for k, v := range r.adapter {
		out[k] = v
	}
	return out
}

func cloneDevice(d *Device) Device {
	c := *d
	if d.Properties != nil {
		c.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

// upsert returns the tracked device for address, creating it on first
// sight. Callers hold the write lock.
func (r *Registry) upsert(address string) *Device {
	d, ok := r.byAddr[address]
	if !ok {
		d = &Device{Address: address, Properties: make(map[string]string)}
		r.byAddr[address] = d
	}
	return d
}

func (r *Registry) deviceFound(address string, props bluez.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.upsert(address)
	d.Present = true
	d.LastSeen = r.now()
	for _, p := range props {
		d.Properties[p.Name] = p.Value
	}
	if name, ok := props.Get("Name"); ok {
		d.Name = name
	}
}

func (r *Registry) deviceDisappeared(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byAddr[address]; ok {
		d.Present = false
	}
}

func (r *Registry) deviceCreated(path string) {
	address := bluez.AddressFromPath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.upsert(address)
	d.Path = path
	d.LastSeen = r.now()
}

func (r *Registry) deviceRemoved(path string) {
	address := bluez.AddressFromPath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byAddr[address]; ok {
		d.Path = ""
		d.Paired = false
	}
}

func (r *Registry) adapterPropertyChanged(prop bluez.Property) {
	r.mu.Lock()
	r.adapter[prop.Name] = prop.Value
	r.mu.Unlock()
	r.logger.Debug().
		Str(log.FieldEvent, "devices.adapter_property").
		Str(log.FieldProperty, prop.Name).
		Str("value", prop.Value).
		Msg("adapter property changed")
}

func (r *Registry) devicePropertyChanged(path string, prop bluez.Property) {
	address := bluez.AddressFromPath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.upsert(address)
	if d.Path == "" {
		d.Path = path
	}
	d.Properties[prop.Name] = prop.Value
	switch prop.Name {
	case "Name":
		d.Name = prop.Value
	case "Paired":
		d.Paired = prop.Value == "true"
	}
}

func (r *Registry) bondResult(address string, result bluez.BondResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.upsert(address)
	d.LastBondResult = result.String()
	if result == bluez.BondSuccess {
		d.Paired = true
	}
}

func (r *Registry) serviceChannel(address string, channel int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.upsert(address)
	d.ServiceChannel = channel
}
