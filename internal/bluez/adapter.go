// SPDX-License-Identifier: MIT

package bluez

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/ManuGH/btbusd/internal/bus"
)

// adapterCache holds the default adapter's object path. The daemon may
// restart and come back with a different adapter object, so the path is
// re-resolved on every power-on edge.
type adapterCache struct {
	mu   sync.Mutex
	path string
}

// Path returns the cached default adapter path, or "" when none is known.
func (c *adapterCache) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// refresh resolves the default adapter through the daemon's manager object
// and replaces the cached path. On failure the cached path is kept.
func (c *adapterCache) refresh(conn bus.Conn) error {
	reply, err := conn.Call(bus.NewMethodCall(BusName, ManagerPath, ManagerInterface, "DefaultAdapter"))
	if err != nil {
		return fmt.Errorf("resolve default adapter: %w", err)
	}
	var path dbus.ObjectPath
	if err := reply.Args(&path); err != nil {
		return fmt.Errorf("resolve default adapter: %w", err)
	}
	c.mu.Lock()
	c.path = string(path)
	c.mu.Unlock()
	return nil
}
