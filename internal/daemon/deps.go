// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Bridge is the bluetooth service whose lifecycle the manager drives.
type Bridge interface {
	Start() error
	Stop()
	IsRunning() bool
}

// Deps contains dependencies required by the daemon Manager.
// This allows for clean dependency injection and easier testing.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// Bridge is the bluetooth event bridge. Required.
	Bridge Bridge

	// APIHandler is the HTTP handler for the admin server. Nil disables
	// the admin surface.
	APIHandler http.Handler
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Bridge == nil {
		return ErrMissingBridge
	}
	return nil
}
