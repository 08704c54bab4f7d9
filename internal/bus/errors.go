// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"errors"
	"fmt"
)

// Well-known bus error names.
const (
	ErrNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameNoReply       = "org.freedesktop.DBus.Error.NoReply"
	ErrNameDisconnected  = "org.freedesktop.DBus.Error.Disconnected"
	ErrNameFailed        = "org.freedesktop.DBus.Error.Failed"
)

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("bus connection closed")

// CallError is a daemon-reported failure of a method call, carrying the
// wire-level error name alongside its text.
type CallError struct {
	Name string
	Text string
}

func (e *CallError) Error() string {
	if e.Text == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Text)
}

// IsCallError reports whether err is a daemon-reported error with the given
// name.
func IsCallError(err error, name string) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Name == name
}
