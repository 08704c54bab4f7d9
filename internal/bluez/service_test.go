// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

import (
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/bus/bustest"
)

const testAdapterPath = "/org/bluez/hci0"

// stubDaemon answers the blocking daemon calls setup and teardown issue.
func stubDaemon(conn *bustest.Conn) {
	conn.CallFunc = func(msg *bus.Message) (*bus.Message, error) {
		switch {
		case msg.IsMethodCall(ManagerInterface, "DefaultAdapter"):
			return &bus.Message{Type: bus.TypeMethodReturn, Body: []any{dbus.ObjectPath(testAdapterPath)}}, nil
		case msg.IsMethodCall(AdapterInterface, "RegisterAgent"),
			msg.IsMethodCall(AdapterInterface, "UnregisterAgent"):
			return &bus.Message{Type: bus.TypeMethodReturn}, nil
		}
		return nil, &bus.CallError{Name: bus.ErrNameUnknownMethod, Text: msg.Member}
	}
}

func newServiceConn(t *testing.T) *bustest.Conn {
	t.Helper()
	conn, err := bustest.New()
	if err != nil {
		t.Fatalf("bustest.New() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func callMembers(calls []*bus.Message) []string {
	members := make([]string, len(calls))
	for i, c := range calls {
		members[i] = c.Member
	}
	return members
}

func TestServiceRequiresConn(t *testing.T) {
	if _, err := New(nil, Callbacks{}, Config{}); err == nil {
		t.Fatal("New() accepted a nil connection")
	}
}

func TestServiceLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newServiceConn(t)
	stubDaemon(conn)
	svc, err := New(conn, Callbacks{}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !svc.IsRunning() {
		t.Error("service not running after Start")
	}
	if svc.AdapterPath() != testAdapterPath {
		t.Errorf("AdapterPath() = %q", svc.AdapterPath())
	}
	if diff := cmp.Diff(matchRules, conn.Matches()); diff != "" {
		t.Errorf("subscriptions mismatch (-want +got):\n%s", diff)
	}
	if !conn.HandlerRegistered(DefaultAgentPath) {
		t.Error("agent path not exported")
	}
	if conn.FilterCount() != 1 {
		t.Errorf("FilterCount = %d, want 1", conn.FilterCount())
	}

	want := []string{"DefaultAdapter", "RegisterAgent"}
	if diff := cmp.Diff(want, callMembers(conn.Calls())); diff != "" {
		t.Errorf("setup calls mismatch (-want +got):\n%s", diff)
	}
	reg := conn.Calls()[1]
	if reg.Path != testAdapterPath || reg.Destination != BusName {
		t.Errorf("RegisterAgent addressed to %q %q", reg.Destination, reg.Path)
	}
	if reg.Body[0] != dbus.ObjectPath(DefaultAgentPath) || reg.Body[1] != DefaultCapability {
		t.Errorf("RegisterAgent args = %v", reg.Body)
	}

	svc.Stop()
	if svc.IsRunning() {
		t.Error("service still running after Stop")
	}
	if conn.HandlerRegistered(DefaultAgentPath) {
		t.Error("agent path still exported after Stop")
	}
	if conn.FilterCount() != 0 {
		t.Errorf("FilterCount = %d after Stop", conn.FilterCount())
	}
	if diff := cmp.Diff(matchRules, conn.RemovedMatches()); diff != "" {
		t.Errorf("removed subscriptions mismatch (-want +got):\n%s", diff)
	}
	calls := callMembers(conn.Calls())
	if calls[len(calls)-1] != "UnregisterAgent" {
		t.Errorf("final call = %q, want UnregisterAgent", calls[len(calls)-1])
	}

	// The service is restartable once stopped.
	if err := svc.Start(); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	svc.Stop()
}

func TestServiceCustomAgentConfig(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newServiceConn(t)
	stubDaemon(conn)
	svc, err := New(conn, Callbacks{}, Config{AgentPath: "/custom/agent", Capability: "NoInputNoOutput"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop()

	if !conn.HandlerRegistered("/custom/agent") {
		t.Error("custom agent path not exported")
	}
	reg := conn.Calls()[1]
	if reg.Body[0] != dbus.ObjectPath("/custom/agent") || reg.Body[1] != "NoInputNoOutput" {
		t.Errorf("RegisterAgent args = %v", reg.Body)
	}
}

func TestServiceStartFailsWithoutAdapter(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newServiceConn(t)
	conn.CallFunc = func(*bus.Message) (*bus.Message, error) {
		return nil, &bus.CallError{Name: "org.bluez.Error.NoSuchAdapter", Text: "No such adapter"}
	}
	svc, err := New(conn, Callbacks{}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := svc.Start(); err == nil {
		t.Fatal("Start() succeeded without an adapter")
	}
	if svc.IsRunning() {
		t.Error("service running after failed Start")
	}
	if conn.FilterCount() != 0 {
		t.Errorf("FilterCount = %d after failed Start", conn.FilterCount())
	}
	if conn.HandlerRegistered(DefaultAgentPath) {
		t.Error("agent path still exported after failed Start")
	}
	if diff := cmp.Diff(matchRules, conn.RemovedMatches()); diff != "" {
		t.Errorf("failed setup did not unwind subscriptions (-want +got):\n%s", diff)
	}
}

func TestServiceRegisterAgentFailureUnwinds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newServiceConn(t)
	conn.CallFunc = func(msg *bus.Message) (*bus.Message, error) {
		if msg.IsMethodCall(ManagerInterface, "DefaultAdapter") {
			return &bus.Message{Type: bus.TypeMethodReturn, Body: []any{dbus.ObjectPath(testAdapterPath)}}, nil
		}
		return nil, &bus.CallError{Name: ErrNameAlreadyExists, Text: "Agent already exists"}
	}
	svc, err := New(conn, Callbacks{}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := svc.Start(); err == nil {
		t.Fatal("Start() succeeded despite RegisterAgent failure")
	}
	if conn.HandlerRegistered(DefaultAgentPath) || conn.FilterCount() != 0 {
		t.Error("failed Start left registrations behind")
	}
}

func TestCreatePairedDeviceNoAdapter(t *testing.T) {
	conn := newServiceConn(t)
	svc, err := New(conn, Callbacks{}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := svc.CreatePairedDevice("AA:BB:CC:DD:EE:FF"); !errors.Is(err, ErrNoAdapter) {
		t.Errorf("CreatePairedDevice() = %v, want ErrNoAdapter", err)
	}
}

func TestCreatePairedDeviceCompletion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	type outcome struct {
		address string
		result  BondResult
	}
	results := make(chan outcome, 1)

	conn := newServiceConn(t)
	stubDaemon(conn)
	svc, err := New(conn, Callbacks{
		CreatePairedDeviceResult: func(address string, result BondResult) {
			results <- outcome{address, result}
		},
	}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop()

	if err := svc.CreatePairedDevice("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("CreatePairedDevice() error = %v", err)
	}

	asyncs := conn.AsyncCalls()
	if len(asyncs) != 1 {
		t.Fatalf("AsyncCalls = %d, want 1", len(asyncs))
	}
	msg := asyncs[0].Msg
	if msg.Destination != BusName || msg.Path != testAdapterPath || !msg.IsMethodCall(AdapterInterface, "CreatePairedDevice") {
		t.Errorf("pairing call = %s %s %s.%s", msg.Destination, msg.Path, msg.Interface, msg.Member)
	}
	wantBody := []any{"AA:BB:CC:DD:EE:FF", dbus.ObjectPath(DefaultAgentPath), DefaultCapability}
	if diff := cmp.Diff(wantBody, msg.Body); diff != "" {
		t.Errorf("pairing args mismatch (-want +got):\n%s", diff)
	}

	conn.CompleteAsync(0, errorReply(ErrNameAuthenticationRejected, "rejected by remote"))

	select {
	case got := <-results:
		if got.address != "AA:BB:CC:DD:EE:FF" || got.result != BondAuthRejected {
			t.Errorf("completion = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pairing completion never delivered")
	}
}

func TestCreatePairedDeviceSubmitFailure(t *testing.T) {
	conn := newServiceConn(t)
	svc, err := New(conn, Callbacks{}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc.adapter.path = testAdapterPath

	_ = conn.Close()
	err = svc.CreatePairedDevice("AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("CreatePairedDevice() = %v, want wrapped ErrClosed", err)
	}
	if got := svc.pending.drain(); len(got) != 0 {
		t.Errorf("failed submit left %d pending calls", len(got))
	}
}

func TestGetDeviceServiceChannel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	type outcome struct {
		address string
		channel int32
	}
	results := make(chan outcome, 1)

	conn := newServiceConn(t)
	stubDaemon(conn)
	svc, err := New(conn, Callbacks{
		DeviceServiceChannelResult: func(address string, channel int32) {
			results <- outcome{address, channel}
		},
	}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop()

	devicePath := "/org/bluez/hci0/dev_11_22_33_44_55_66"
	if err := svc.GetDeviceServiceChannel(devicePath, "0000110B-0000-1000-8000-00805F9B34FB", 0x0004); err != nil {
		t.Fatalf("GetDeviceServiceChannel() error = %v", err)
	}

	asyncs := conn.AsyncCalls()
	if len(asyncs) != 1 {
		t.Fatalf("AsyncCalls = %d, want 1", len(asyncs))
	}
	msg := asyncs[0].Msg
	if msg.Path != devicePath || !msg.IsMethodCall(DeviceInterface, "GetServiceAttributeValue") {
		t.Errorf("lookup call = %s %s.%s", msg.Path, msg.Interface, msg.Member)
	}
	// The UUID is canonicalized before it goes on the wire.
	if msg.Body[0] != "0000110b-0000-1000-8000-00805f9b34fb" || msg.Body[1] != uint16(0x0004) {
		t.Errorf("lookup args = %v", msg.Body)
	}

	conn.CompleteAsync(0, &bus.Message{Type: bus.TypeMethodReturn, Body: []any{int32(25)}})

	select {
	case got := <-results:
		if got.address != "11:22:33:44:55:66" || got.channel != 25 {
			t.Errorf("completion = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel completion never delivered")
	}
}

func TestGetDeviceServiceChannelBadUUID(t *testing.T) {
	conn := newServiceConn(t)
	svc, err := New(conn, Callbacks{}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := svc.GetDeviceServiceChannel("/dev_1", "not-a-uuid", 4); err == nil {
		t.Fatal("GetDeviceServiceChannel() accepted a malformed uuid")
	}
	if len(conn.AsyncCalls()) != 0 {
		t.Error("malformed uuid still issued a daemon call")
	}
}

func TestServiceStopCancelsPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var bonds []BondResult
	var channels []int32

	conn := newServiceConn(t)
	stubDaemon(conn)
	svc, err := New(conn, Callbacks{
		CreatePairedDeviceResult:   func(_ string, result BondResult) { bonds = append(bonds, result) },
		DeviceServiceChannelResult: func(_ string, channel int32) { channels = append(channels, channel) },
	}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := svc.CreatePairedDevice("AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("CreatePairedDevice() error = %v", err)
	}
	if err := svc.GetDeviceServiceChannel("/org/bluez/hci0/dev_11_22_33_44_55_66",
		"0000110b-0000-1000-8000-00805f9b34fb", 4); err != nil {
		t.Fatalf("GetDeviceServiceChannel() error = %v", err)
	}

	// Neither call completes; Stop owes both their results.
	svc.Stop()

	if len(bonds) != 1 || bonds[0] != BondError {
		t.Errorf("bond cancellations = %v, want [BondError]", bonds)
	}
	if len(channels) != 1 || channels[0] != ServiceChannelNone {
		t.Errorf("channel cancellations = %v, want [ServiceChannelNone]", channels)
	}
}

func TestServiceDispatchesDeviceFound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	found := make(chan string, 1)

	conn := newServiceConn(t)
	stubDaemon(conn)
	svc, err := New(conn, Callbacks{
		DeviceFound: func(address string, _ Properties) { found <- address },
	}, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop()

	conn.Inject(adapterSignal("DeviceFound", "AA:BB:CC:DD:EE:FF", map[string]dbus.Variant{
		"Name": dbus.MakeVariant("Speaker"),
	}))

	select {
	case addr := <-found:
		if addr != "AA:BB:CC:DD:EE:FF" {
			t.Errorf("DeviceFound address = %q", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DeviceFound never dispatched through the loop")
	}
}
