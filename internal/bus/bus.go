// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus defines the message-bus seam the bluetooth bridge is built
// against: messages, watches, filters and the Conn surface. The production
// implementation (ConnectSystem) speaks D-Bus through godbus; tests run the
// same contract against the in-memory connection in bustest.
package bus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// MessageType classifies bus messages.
type MessageType int

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Message is the decoded form of a bus message. Body holds Go values as the
// connection decoded them (strings, numerics, dbus.ObjectPath, variant maps).
type Message struct {
	Type        MessageType
	Serial      uint32 // connection-assigned for inbound method calls
	ReplySerial uint32 // set on returns and errors
	Path        string // origin path for signals, target path for calls
	Interface   string
	Member      string
	Destination string
	Sender      string
	ErrorName   string // set when Type == TypeError
	Body        []any
}

// NewMethodCall builds an outgoing method call.
func NewMethodCall(destination, path, iface, member string, args ...any) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        args,
	}
}

// NewMethodReturn builds the success reply for an inbound method call.
func (m *Message) NewMethodReturn(args ...any) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		Body:        args,
	}
}

// NewErrorReply builds an error reply for an inbound method call.
func (m *Message) NewErrorReply(name, text string) *Message {
	return &Message{
		Type:        TypeError,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		ErrorName:   name,
		Body:        []any{text},
	}
}

// IsSignal reports whether m is a signal with the given interface and member.
func (m *Message) IsSignal(iface, member string) bool {
	return m.Type == TypeSignal && m.Interface == iface && m.Member == member
}

// IsMethodCall reports whether m is a method call with the given interface
// and member.
func (m *Message) IsMethodCall(iface, member string) bool {
	return m.Type == TypeMethodCall && m.Interface == iface && m.Member == member
}

// Args decodes the leading body values into the given pointers. Trailing
// body values beyond the requested arguments are ignored.
func (m *Message) Args(dest ...any) error {
	if len(m.Body) < len(dest) {
		return fmt.Errorf("message has %d arguments, want %d", len(m.Body), len(dest))
	}
	if err := dbus.Store(m.Body[:len(dest)], dest...); err != nil {
		return fmt.Errorf("decode message arguments: %w", err)
	}
	return nil
}

// ErrorText returns the human-readable text of an error message, if any.
func (m *Message) ErrorText() string {
	if m.Type != TypeError || len(m.Body) == 0 {
		return ""
	}
	if s, ok := m.Body[0].(string); ok {
		return s
	}
	return ""
}

// HandlerResult is the verdict of a filter or object handler.
type HandlerResult int

const (
	// Handled means the message was consumed; no further handling runs.
	Handled HandlerResult = iota
	// NotYetHandled passes the message on to the next handler or to the
	// connection's default behaviour.
	NotYetHandled
)

// Filter inspects every inbound message ahead of default handling.
type Filter func(msg *Message) HandlerResult

// FilterID identifies an installed filter for removal.
type FilterID int

// ObjectHandler receives method calls addressed to a registered object
// path. Replies are sent through Conn.Send.
type ObjectHandler func(msg *Message) HandlerResult

// DispatchStatus reports whether the connection still has queued work after
// one dispatch step.
type DispatchStatus int

const (
	DispatchComplete DispatchStatus = iota
	DispatchDataRemains
)

// WatchFlags describes descriptor readiness interest or state.
type WatchFlags uint32

const (
	WatchReadable WatchFlags = 1 << iota
	WatchWritable
	WatchError
	WatchHangup
)

// Watch is a descriptor the connection wants multiplexed on its behalf.
// Handle feeds observed readiness back into the connection.
type Watch interface {
	Fd() int
	Flags() WatchFlags
	Enabled() bool
	Handle(flags WatchFlags) bool
}

// WatchFuncs is the watch-management hook set a connection owner installs.
// The zero value uninstalls the hooks.
type WatchFuncs struct {
	Add    func(w Watch) bool
	Remove func(w Watch)
	Toggle func(w Watch)
}

// Conn is the message-bus connection surface the bridge consumes.
//
// Call blocks the calling goroutine. CallAsync completes the done function
// from a later Dispatch. Dispatch performs one unit of queued work and is
// driven by the event loop's worker after watch readiness.
type Conn interface {
	AddMatch(rule string) error
	RemoveMatch(rule string) error
	AddFilter(f Filter) FilterID
	RemoveFilter(id FilterID)
	RegisterObjectPath(path string, h ObjectHandler) error
	UnregisterObjectPath(path string)
	Call(msg *Message) (*Message, error)
	CallAsync(msg *Message, done func(*Message)) error
	Send(msg *Message) error
	SetWatchFuncs(funcs WatchFuncs)
	Dispatch() DispatchStatus
	Close() error
}
