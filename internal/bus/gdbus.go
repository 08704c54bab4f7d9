// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/ManuGH/btbusd/internal/log"
)

// agentInterface is the pairing-agent interface the export shim serves.
// Object-path registration on this connection is purpose-built for the
// bluetooth daemon's agent protocol.
const agentInterface = "org.bluez.Agent"

// work is one queued unit for Dispatch: either an inbound message routed
// through filters and object handlers, or an async-call completion.
type work struct {
	msg      *Message
	complete func(*Message)
	reply    *Message
}

type filterEntry struct {
	id FilterID
	f  Filter
}

// SystemConn is the production Conn on the D-Bus system bus.
//
// godbus owns the bus socket and delivers signals and exported-method calls
// on its own goroutines. SystemConn funnels those deliveries into an
// internal queue and wakes the event loop through a notification pipe whose
// read end it publishes as its single Watch. Dispatch, driven by the
// loop's worker, then runs filters, object handlers and async completions
// on the worker goroutine.
type SystemConn struct {
	dc     *dbus.Conn
	logger zerolog.Logger

	mu         sync.Mutex
	queue      []work
	filters    []filterEntry
	nextFilter FilterID
	handlers   map[string]ObjectHandler
	inbound    map[uint32]chan *Message
	serial     uint32
	watchFuncs WatchFuncs
	closed     bool

	notifyR int
	notifyW int
	watch   *pipeWatch

	sigCh chan *dbus.Signal
}

// ConnectSystem opens a private connection to the system bus.
func ConnectSystem() (*SystemConn, error) {
	dc, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = dc.Close()
		return nil, fmt.Errorf("create notification pipe: %w", err)
	}

	c := &SystemConn{
		dc:       dc,
		logger:   log.WithComponent("bus"),
		handlers: make(map[string]ObjectHandler),
		inbound:  make(map[uint32]chan *Message),
		notifyR:  p[0],
		notifyW:  p[1],
		sigCh:    make(chan *dbus.Signal, 64),
	}
	c.watch = &pipeWatch{fd: p[0]}

	dc.Signal(c.sigCh)
	go c.pumpSignals()

	c.logger.Debug().
		Str(log.FieldEvent, "bus.connected").
		Str("name", dc.Names()[0]).
		Msg("connected to system bus")
	return c, nil
}

// pumpSignals converts godbus signal deliveries into queued messages. The
// channel closes when the underlying connection closes.
func (c *SystemConn) pumpSignals() {
	for sig := range c.sigCh {
		iface, member := splitSignalName(sig.Name)
		c.enqueue(work{msg: &Message{
			Type:      TypeSignal,
			Path:      string(sig.Path),
			Interface: iface,
			Member:    member,
			Sender:    sig.Sender,
			Body:      sig.Body,
		}})
	}
}

func splitSignalName(name string) (iface, member string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// enqueue appends one unit of work and wakes the event loop.
func (c *SystemConn) enqueue(w work) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug().
			Str(log.FieldEvent, "bus.enqueue_after_close").
			Msg("dropping work on closed connection")
		return
	}
	c.queue = append(c.queue, w)
	c.mu.Unlock()
	c.wake()
}

func (c *SystemConn) wake() {
	var one = [1]byte{1}
	// A full pipe already guarantees a pending wakeup.
	_, _ = unix.Write(c.notifyW, one[:])
}

// AddMatch installs a match rule with the bus daemon.
func (c *SystemConn) AddMatch(rule string) error {
	call := c.dc.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
	if call.Err != nil {
		return fmt.Errorf("add match %q: %w", rule, call.Err)
	}
	return nil
}

// RemoveMatch removes a match rule from the bus daemon.
func (c *SystemConn) RemoveMatch(rule string) error {
	call := c.dc.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
	if call.Err != nil {
		return fmt.Errorf("remove match %q: %w", rule, call.Err)
	}
	return nil
}

// AddFilter installs f ahead of default handling for every dispatched
// inbound message. Filters run in installation order.
func (c *SystemConn) AddFilter(f Filter) FilterID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextFilter++
	id := c.nextFilter
	c.filters = append(c.filters, filterEntry{id: id, f: f})
	return id
}

// RemoveFilter uninstalls a filter by its id.
func (c *SystemConn) RemoveFilter(id FilterID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.filters {
		if e.id == id {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return
		}
	}
}

// RegisterObjectPath exports the pairing-agent shim at path and routes its
// method calls to h via Dispatch. The shim's godbus goroutine blocks until
// the handler replies through Send, which is what lets the bridge defer a
// PIN reply arbitrarily long.
func (c *SystemConn) RegisterObjectPath(path string, h ObjectHandler) error {
	c.mu.Lock()
	if _, dup := c.handlers[path]; dup {
		c.mu.Unlock()
		return fmt.Errorf("object path %s already registered", path)
	}
	c.handlers[path] = h
	c.mu.Unlock()

	shim := &agentShim{conn: c, path: path}
	if err := c.dc.Export(shim, dbus.ObjectPath(path), agentInterface); err != nil {
		c.mu.Lock()
		delete(c.handlers, path)
		c.mu.Unlock()
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

// UnregisterObjectPath removes the export and its handler.
func (c *SystemConn) UnregisterObjectPath(path string) {
	_ = c.dc.Export(nil, dbus.ObjectPath(path), agentInterface)
	c.mu.Lock()
	delete(c.handlers, path)
	c.mu.Unlock()
}

// Call issues a blocking method call and returns the decoded reply.
func (c *SystemConn) Call(msg *Message) (*Message, error) {
	obj := c.dc.Object(msg.Destination, dbus.ObjectPath(msg.Path))
	call := obj.Call(msg.Interface+"."+msg.Member, 0, msg.Body...)
	if call.Err != nil {
		return nil, callErr(call.Err)
	}
	return &Message{Type: TypeMethodReturn, Body: call.Body}, nil
}

// CallAsync issues a method call whose completion is delivered through
// Dispatch on the event loop's worker. done always receives a non-nil
// message: the method return, or an error message.
func (c *SystemConn) CallAsync(msg *Message, done func(*Message)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	obj := c.dc.Object(msg.Destination, dbus.ObjectPath(msg.Path))
	ch := make(chan *dbus.Call, 1)
	obj.Go(msg.Interface+"."+msg.Member, 0, ch, msg.Body...)
	go func() {
		call := <-ch
		c.enqueue(work{complete: done, reply: callToMessage(call)})
	}()
	return nil
}

func callErr(err error) error {
	var derr dbus.Error
	if errors.As(err, &derr) {
		ce := &CallError{Name: derr.Name}
		if len(derr.Body) > 0 {
			if s, ok := derr.Body[0].(string); ok {
				ce.Text = s
			}
		}
		return ce
	}
	return err
}

func callToMessage(call *dbus.Call) *Message {
	if call.Err != nil {
		m := &Message{Type: TypeError, ErrorName: ErrNameFailed, Body: []any{call.Err.Error()}}
		var derr dbus.Error
		if errors.As(call.Err, &derr) {
			m.ErrorName = derr.Name
			m.Body = derr.Body
		}
		return m
	}
	return &Message{Type: TypeMethodReturn, Body: call.Body}
}

// Send delivers a reply message for an inbound method call, resolving the
// export-shim goroutine blocked on its serial.
func (c *SystemConn) Send(msg *Message) error {
	if msg.ReplySerial == 0 {
		return fmt.Errorf("send: message is not a reply")
	}
	c.mu.Lock()
	ch, ok := c.inbound[msg.ReplySerial]
	delete(c.inbound, msg.ReplySerial)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("send: no pending call for serial %d", msg.ReplySerial)
	}
	ch <- msg
	return nil
}

// SetWatchFuncs installs (or, with the zero value, clears) the watch hooks.
// The connection's notification watch is offered to a freshly installed
// Add hook immediately, mirroring how a bus library announces the watches
// it already holds.
func (c *SystemConn) SetWatchFuncs(funcs WatchFuncs) {
	c.mu.Lock()
	c.watchFuncs = funcs
	w := c.watch
	c.mu.Unlock()
	if funcs.Add != nil {
		funcs.Add(w)
	}
}

// Dispatch pops one unit of queued work and runs it on the caller's
// goroutine.
func (c *SystemConn) Dispatch() DispatchStatus {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return DispatchComplete
	}
	w := c.queue[0]
	c.queue = c.queue[1:]
	remaining := len(c.queue) > 0
	filters := make([]filterEntry, len(c.filters))
	copy(filters, c.filters)
	c.mu.Unlock()

	if w.complete != nil {
		w.complete(w.reply)
	} else {
		c.deliver(w.msg, filters)
	}

	if remaining {
		return DispatchDataRemains
	}
	return DispatchComplete
}

func (c *SystemConn) deliver(msg *Message, filters []filterEntry) {
	for _, e := range filters {
		if e.f(msg) == Handled {
			return
		}
	}
	if msg.Type != TypeMethodCall {
		return
	}
	c.mu.Lock()
	h := c.handlers[msg.Path]
	c.mu.Unlock()
	if h != nil && h(msg) == Handled {
		return
	}
	// Declined method calls get the stock unknown-method answer so the
	// blocked shim goroutine is never stranded.
	if err := c.Send(msg.NewErrorReply(ErrNameUnknownMethod, "unhandled method "+msg.Member)); err != nil {
		c.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "bus.decline_reply_failed").
			Str(log.FieldMember, msg.Member).
			Msg("could not answer declined method call")
	}
}

// inboundCall queues an inbound method call and blocks until the handler
// replies or the connection closes.
func (c *SystemConn) inboundCall(path, member string, args ...any) (*Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.serial++
	serial := c.serial
	ch := make(chan *Message, 1)
	c.inbound[serial] = ch
	c.mu.Unlock()

	c.enqueue(work{msg: &Message{
		Type:      TypeMethodCall,
		Serial:    serial,
		Path:      path,
		Interface: agentInterface,
		Member:    member,
		Body:      args,
	}})

	reply := <-ch
	if reply == nil {
		return nil, ErrClosed
	}
	return reply, nil
}

// Close shuts the connection down: outstanding inbound calls resolve with
// a no-reply error, queued work is dropped, the bus socket and the
// notification pipe are closed. Close must not race a running event loop;
// stop the loop first.
func (c *SystemConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.inbound
	c.inbound = make(map[uint32]chan *Message)
	c.queue = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}

	err := c.dc.Close()
	_ = unix.Close(c.notifyR)
	_ = unix.Close(c.notifyW)
	if err != nil {
		return fmt.Errorf("close bus connection: %w", err)
	}
	return nil
}

// pipeWatch is the notification pipe's read end, published through the
// watch hooks. Handle drains the accumulated wakeup bytes; the actual
// messages are consumed by Dispatch.
type pipeWatch struct {
	fd int
}

func (w *pipeWatch) Fd() int           { return w.fd }
func (w *pipeWatch) Flags() WatchFlags { return WatchReadable }
func (w *pipeWatch) Enabled() bool     { return true }

func (w *pipeWatch) Handle(flags WatchFlags) bool {
	if flags&WatchReadable == 0 {
		return true
	}
	var buf [256]byte
	for {
		n, err := unix.Read(w.fd, buf[:])
		if err != nil || n < len(buf) {
			return true
		}
	}
}

// agentShim is the godbus export for the pairing-agent interface. Each
// method runs on its own godbus goroutine and blocks in inboundCall until
// the seam-level reply arrives, so deferred replies cost nothing extra.
type agentShim struct {
	conn *SystemConn
	path string
}

func (s *agentShim) Release() *dbus.Error {
	return s.voidCall("Release")
}

func (s *agentShim) Cancel() *dbus.Error {
	return s.voidCall("Cancel")
}

func (s *agentShim) Authorize(device dbus.ObjectPath, uuid string) *dbus.Error {
	return s.voidCall("Authorize", device, uuid)
}

func (s *agentShim) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	reply, err := s.conn.inboundCall(s.path, "RequestPinCode", device)
	if err != nil {
		return "", dbus.NewError(ErrNameNoReply, nil)
	}
	if reply.Type == TypeError {
		return "", &dbus.Error{Name: reply.ErrorName, Body: reply.Body}
	}
	var pin string
	if err := reply.Args(&pin); err != nil {
		return "", dbus.NewError(ErrNameFailed, []any{err.Error()})
	}
	return pin, nil
}

func (s *agentShim) voidCall(member string, args ...any) *dbus.Error {
	reply, err := s.conn.inboundCall(s.path, member, args...)
	if err != nil {
		return dbus.NewError(ErrNameNoReply, nil)
	}
	if reply.Type == TypeError {
		return &dbus.Error{Name: reply.ErrorName, Body: reply.Body}
	}
	return nil
}
