// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "Headset", "Headset"},
		{"object path", dbus.ObjectPath("/org/bluez/hci0"), "/org/bluez/hci0"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"uint8", uint8(7), "7"},
		{"uint16", uint16(4357), "4357"},
		{"uint32", uint32(1441795), "1441795"},
		{"uint64", uint64(1 << 40), "1099511627776"},
		{"int16", int16(-32), "-32"},
		{"int32", int32(-7), "-7"},
		{"int64", int64(-1 << 33), "-8589934592"},
		{"string slice", []string{"a", "b", "c"}, "a,b,c"},
		{"empty slice", []string{}, ""},
		{"variant", dbus.MakeVariant(uint32(9)), "9"},
		{"variant slice", []dbus.Variant{dbus.MakeVariant("x"), dbus.MakeVariant(true)}, "x,true"},
		{"fallback", 3.5, "3.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.in); got != tt.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodePropertiesSorted(t *testing.T) {
	dict := map[string]dbus.Variant{
		"RSSI":    dbus.MakeVariant(int16(-60)),
		"Name":    dbus.MakeVariant("Speaker"),
		"Class":   dbus.MakeVariant(uint32(0x240404)),
		"Paired":  dbus.MakeVariant(false),
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
	}

	got := DecodeProperties(dict)
	want := Properties{
		{Name: "Address", Value: "AA:BB:CC:DD:EE:FF"},
		{Name: "Class", Value: "2360324"},
		{Name: "Name", Value: "Speaker"},
		{Name: "Paired", Value: "false"},
		{Name: "RSSI", Value: "-60"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeProperties() mismatch (-want +got):\n%s", diff)
	}
}

func TestPropertiesGetAndMap(t *testing.T) {
	ps := Properties{
		{Name: "Name", Value: "Speaker"},
		{Name: "Paired", Value: "true"},
	}

	if v, ok := ps.Get("Paired"); !ok || v != "true" {
		t.Errorf("Get(Paired) = %q, %v", v, ok)
	}
	if _, ok := ps.Get("RSSI"); ok {
		t.Error("Get(RSSI) found a missing property")
	}

	m := ps.Map()
	if len(m) != 2 || m["Name"] != "Speaker" {
		t.Errorf("Map() = %v", m)
	}
}

func TestAddressFromPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"device path", "/org/bluez/4242/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"lowercase address", "/org/bluez/hci0/dev_aa_bb_cc_dd_ee_ff", "AA:BB:CC:DD:EE:FF"},
		{"short segment", "/org/bluez/hci0/dev_AA_BB", "/org/bluez/hci0/dev_AA_BB"},
		{"not a device", "/org/bluez/hci0", "/org/bluez/hci0"},
		{"bare address segment", "dev_11_22_33_44_55_66", "11:22:33:44:55:66"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AddressFromPath(tt.path); got != tt.want {
				t.Errorf("AddressFromPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
