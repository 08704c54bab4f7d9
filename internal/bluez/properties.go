// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Property is one flattened daemon property. Values are rendered to
// strings: booleans as "true"/"false", numbers in decimal, string lists
// comma-joined.
type Property struct {
	Name  string
	Value string
}

// Properties is a flattened property list.
type Properties []Property

// Get returns the value for name.
func (ps Properties) Get(name string) (string, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Map converts the list into a name-to-value map.
func (ps Properties) Map() map[string]string {
	m := make(map[string]string, len(ps))
	for _, p := range ps {
		m[p.Name] = p.Value
	}
	return m
}

// DecodeProperties flattens a daemon property dict. Map iteration order
// is randomized, so entries are sorted by name to keep consumers and
// tests deterministic.
func DecodeProperties(dict map[string]dbus.Variant) Properties {
	ps := make(Properties, 0, len(dict))
	for name, v := range dict {
		ps = append(ps, Property{Name: name, Value: FormatValue(v.Value())})
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
	return ps
}

// FormatValue renders one daemon property value as a string.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case dbus.ObjectPath:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case []string:
		return strings.Join(val, ",")
	case []dbus.Variant:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = FormatValue(item.Value())
		}
		return strings.Join(parts, ",")
	case dbus.Variant:
		return FormatValue(val.Value())
	default:
		return fmt.Sprint(val)
	}
}

// AddressFromPath derives the remote address from a daemon device object
// path. Device paths end in a dev_XX_XX_XX_XX_XX_XX segment; anything
// else is returned unchanged.
func AddressFromPath(path string) string {
	i := strings.LastIndex(path, "/")
	last := path[i+1:]
	if !strings.HasPrefix(last, "dev_") {
		return path
	}
	addr := strings.ReplaceAll(strings.TrimPrefix(last, "dev_"), "_", ":")
	if len(addr) != 17 {
		return path
	}
	return strings.ToUpper(addr)
}
