// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/bus/bustest"
)

func newDispatcher(t *testing.T, cb Callbacks, secondary bus.Filter) (*dispatcher, *bustest.Conn) {
	t.Helper()
	conn, err := bustest.New()
	if err != nil {
		t.Fatalf("bustest.New() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &dispatcher{
		conn:      conn,
		cb:        cb,
		adapter:   &adapterCache{},
		secondary: secondary,
		logger:    zerolog.Nop(),
	}, conn
}

func adapterSignal(member string, args ...any) *bus.Message {
	return &bus.Message{
		Type:      bus.TypeSignal,
		Path:      "/org/bluez/hci0",
		Interface: AdapterInterface,
		Member:    member,
		Body:      args,
	}
}

func TestDispatcherIgnoresNonSignals(t *testing.T) {
	d, _ := newDispatcher(t, Callbacks{}, nil)

	call := &bus.Message{Type: bus.TypeMethodCall, Interface: AdapterInterface, Member: "DeviceFound"}
	if got := d.Filter(call); got != bus.NotYetHandled {
		t.Errorf("Filter(method call) = %v, want NotYetHandled", got)
	}
}

func TestDispatchDeviceFound(t *testing.T) {
	var gotAddr string
	var gotProps Properties
	d, _ := newDispatcher(t, Callbacks{
		DeviceFound: func(address string, props Properties) {
			gotAddr, gotProps = address, props
		},
	}, nil)

	msg := adapterSignal("DeviceFound", "AA:BB:CC:DD:EE:FF", map[string]dbus.Variant{
		"Name": dbus.MakeVariant("Speaker"),
		"RSSI": dbus.MakeVariant(int16(-42)),
	})
	if got := d.Filter(msg); got != bus.Handled {
		t.Fatalf("Filter() = %v, want Handled", got)
	}

	if gotAddr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address = %q", gotAddr)
	}
	want := Properties{{Name: "Name", Value: "Speaker"}, {Name: "RSSI", Value: "-42"}}
	if diff := cmp.Diff(want, gotProps); diff != "" {
		t.Errorf("props mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchMalformedSignalConsumed(t *testing.T) {
	fired := false
	d, _ := newDispatcher(t, Callbacks{
		DeviceFound: func(string, Properties) { fired = true },
	}, nil)

	// DeviceFound without its property dict.
	msg := adapterSignal("DeviceFound", uint32(9))
	if got := d.Filter(msg); got != bus.Handled {
		t.Errorf("Filter(malformed) = %v, want Handled", got)
	}
	if fired {
		t.Error("callback ran for malformed signal")
	}
}

func TestDispatchDeviceDisappeared(t *testing.T) {
	var gotAddr string
	d, _ := newDispatcher(t, Callbacks{
		DeviceDisappeared: func(address string) { gotAddr = address },
	}, nil)

	if got := d.Filter(adapterSignal("DeviceDisappeared", "AA:BB:CC:DD:EE:FF")); got != bus.Handled {
		t.Fatalf("Filter() = %v", got)
	}
	if gotAddr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address = %q", gotAddr)
	}
}

func TestDispatchDeviceCreatedAndRemoved(t *testing.T) {
	var created, removed string
	d, _ := newDispatcher(t, Callbacks{
		DeviceCreated: func(path string) { created = path },
		DeviceRemoved: func(path string) { removed = path },
	}, nil)

	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	if got := d.Filter(adapterSignal("DeviceCreated", path)); got != bus.Handled {
		t.Fatalf("Filter(DeviceCreated) = %v", got)
	}
	if got := d.Filter(adapterSignal("DeviceRemoved", path)); got != bus.Handled {
		t.Fatalf("Filter(DeviceRemoved) = %v", got)
	}
	if created != string(path) || removed != string(path) {
		t.Errorf("created = %q, removed = %q", created, removed)
	}
}

func TestDispatchNilCallbacksDrop(t *testing.T) {
	d, _ := newDispatcher(t, Callbacks{}, nil)

	msg := adapterSignal("DeviceFound", "AA:BB:CC:DD:EE:FF", map[string]dbus.Variant{})
	if got := d.Filter(msg); got != bus.Handled {
		t.Errorf("Filter() = %v, want Handled even without a handler", got)
	}
}

func TestDispatchAdapterPowerOnRefreshesAdapter(t *testing.T) {
	var gotProp Property
	d, conn := newDispatcher(t, Callbacks{
		AdapterPropertyChanged: func(prop Property) { gotProp = prop },
	}, nil)

	conn.CallFunc = func(msg *bus.Message) (*bus.Message, error) {
		if !msg.IsMethodCall(ManagerInterface, "DefaultAdapter") {
			t.Errorf("unexpected call %s.%s", msg.Interface, msg.Member)
		}
		return &bus.Message{Type: bus.TypeMethodReturn, Body: []any{dbus.ObjectPath("/org/bluez/hci0")}}, nil
	}

	msg := adapterSignal("PropertyChanged", "Powered", dbus.MakeVariant(true))
	if got := d.Filter(msg); got != bus.Handled {
		t.Fatalf("Filter() = %v", got)
	}

	if d.adapter.Path() != "/org/bluez/hci0" {
		t.Errorf("adapter path = %q after power-on", d.adapter.Path())
	}
	if gotProp.Name != "Powered" || gotProp.Value != "true" {
		t.Errorf("callback prop = %+v", gotProp)
	}
}

func TestDispatchAdapterPowerOffDoesNotRefresh(t *testing.T) {
	d, conn := newDispatcher(t, Callbacks{}, nil)
	conn.CallFunc = func(*bus.Message) (*bus.Message, error) {
		t.Error("power-off triggered an adapter resolution")
		return nil, &bus.CallError{Name: bus.ErrNameFailed}
	}

	msg := adapterSignal("PropertyChanged", "Powered", dbus.MakeVariant(false))
	if got := d.Filter(msg); got != bus.Handled {
		t.Fatalf("Filter() = %v", got)
	}
}

func TestDispatchAdapterRefreshFailureKeepsPath(t *testing.T) {
	d, conn := newDispatcher(t, Callbacks{}, nil)

	conn.CallFunc = func(*bus.Message) (*bus.Message, error) {
		return &bus.Message{Type: bus.TypeMethodReturn, Body: []any{dbus.ObjectPath("/org/bluez/hci0")}}, nil
	}
	if err := d.adapter.refresh(conn); err != nil {
		t.Fatalf("prime refresh error = %v", err)
	}

	conn.CallFunc = func(*bus.Message) (*bus.Message, error) {
		return nil, &bus.CallError{Name: bus.ErrNameNoReply, Text: "daemon restarting"}
	}
	if got := d.Filter(adapterSignal("PropertyChanged", "Powered", dbus.MakeVariant(true))); got != bus.Handled {
		t.Fatalf("Filter() = %v", got)
	}
	if d.adapter.Path() != "/org/bluez/hci0" {
		t.Errorf("adapter path = %q, want the stale path kept", d.adapter.Path())
	}
}

func TestDispatchDevicePropertyChanged(t *testing.T) {
	var gotPath string
	var gotProp Property
	d, _ := newDispatcher(t, Callbacks{
		DevicePropertyChanged: func(path string, prop Property) { gotPath, gotProp = path, prop },
	}, nil)

	msg := &bus.Message{
		Type:      bus.TypeSignal,
		Path:      "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF",
		Interface: DeviceInterface,
		Member:    "PropertyChanged",
		Body:      []any{"Connected", dbus.MakeVariant(true)},
	}
	if got := d.Filter(msg); got != bus.Handled {
		t.Fatalf("Filter() = %v", got)
	}
	if gotPath != "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF" {
		t.Errorf("path = %q", gotPath)
	}
	if gotProp.Name != "Connected" || gotProp.Value != "true" {
		t.Errorf("prop = %+v", gotProp)
	}
}

func TestDispatchSecondaryFilter(t *testing.T) {
	var secondarySaw *bus.Message
	d, _ := newDispatcher(t, Callbacks{}, func(msg *bus.Message) bus.HandlerResult {
		secondarySaw = msg
		return bus.Handled
	})

	sink := &bus.Message{
		Type:      bus.TypeSignal,
		Interface: AudioSinkInterface,
		Member:    "Connected",
	}
	if got := d.Filter(sink); got != bus.Handled {
		t.Errorf("Filter() = %v, want secondary's Handled", got)
	}
	if secondarySaw != sink {
		t.Error("secondary filter did not receive the signal")
	}

	// Recognized signals never reach the secondary filter.
	secondarySaw = nil
	d.cb = Callbacks{}
	if got := d.Filter(adapterSignal("DeviceDisappeared", "AA:BB:CC:DD:EE:FF")); got != bus.Handled {
		t.Errorf("Filter() = %v", got)
	}
	if secondarySaw != nil {
		t.Error("secondary filter saw a recognized signal")
	}
}

func TestDispatchUnmatchedWithoutSecondary(t *testing.T) {
	d, _ := newDispatcher(t, Callbacks{}, nil)

	sink := &bus.Message{Type: bus.TypeSignal, Interface: AudioSinkInterface, Member: "Connected"}
	if got := d.Filter(sink); got != bus.NotYetHandled {
		t.Errorf("Filter() = %v, want NotYetHandled", got)
	}
}
