// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bustest provides an in-memory bus.Conn for tests. It keeps the
// production delivery contract: injected messages queue up, a real
// notification pipe wakes a polling event loop, and Dispatch drains the
// queue through filters and object handlers on the caller's goroutine.
package bustest

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ManuGH/btbusd/internal/bus"
)

// AsyncCall records one CallAsync issued on the fake connection. Tests
// complete it with Conn.CompleteAsync.
type AsyncCall struct {
	Msg  *bus.Message
	done func(*bus.Message)
}

// Conn is an in-memory bus.Conn.
type Conn struct {
	mu         sync.Mutex
	queue      []work
	filters    []filterEntry
	nextFilter bus.FilterID
	handlers   map[string]bus.ObjectHandler
	inbound    map[uint32]chan *bus.Message
	serial     uint32
	watchFuncs bus.WatchFuncs
	closed     bool

	notifyR int
	notifyW int

	matches []string
	removed []string
	asyncs  []*AsyncCall
	sent    []*bus.Message

	// CallFunc, when set, answers blocking calls. Unset, every Call
	// fails.
	CallFunc func(msg *bus.Message) (*bus.Message, error)

	calls []*bus.Message
}

type work struct {
	msg      *bus.Message
	complete func(*bus.Message)
	reply    *bus.Message
}

type filterEntry struct {
	id bus.FilterID
	f  bus.Filter
}

// New creates a fake connection backed by a real notification pipe so an
// event loop polling it behaves exactly as in production.
func New() (*Conn, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create notification pipe: %w", err)
	}
	return &Conn{
		handlers: make(map[string]bus.ObjectHandler),
		inbound:  make(map[uint32]chan *bus.Message),
		notifyR:  p[0],
		notifyW:  p[1],
	}, nil
}

// NotifyWatch returns the connection's own watch (the notification pipe's
// read end), as published through the watch hooks.
func (c *Conn) NotifyWatch() bus.Watch {
	return &Watch{FD: c.notifyR, ReadFlags: true, On: true, HandleFunc: func(flags bus.WatchFlags) {
		c.drainPipe()
	}}
}

func (c *Conn) drainPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(c.notifyR, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

// Inject queues a message for dispatch and wakes the loop.
func (c *Conn) Inject(msg *bus.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, work{msg: msg})
	c.mu.Unlock()
	c.wake()
}

// InjectCall queues an inbound method call and returns a buffered channel
// that receives the reply sent through Send, if any ever is.
func (c *Conn) InjectCall(msg *bus.Message) <-chan *bus.Message {
	c.mu.Lock()
	c.serial++
	msg.Serial = c.serial
	ch := make(chan *bus.Message, 1)
	c.inbound[msg.Serial] = ch
	c.queue = append(c.queue, work{msg: msg})
	c.mu.Unlock()
	c.wake()
	return ch
}

func (c *Conn) wake() {
	var one = [1]byte{1}
	_, _ = unix.Write(c.notifyW, one[:])
}

// Pump synchronously dispatches until the queue is empty. For tests that
// drive the connection without an event loop.
func (c *Conn) Pump() {
	for c.Dispatch() == bus.DispatchDataRemains {
	}
}

func (c *Conn) AddMatch(rule string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	c.matches = append(c.matches, rule)
	return nil
}

func (c *Conn) RemoveMatch(rule string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, rule)
	return nil
}

// Matches returns every rule added so far, in order.
func (c *Conn) Matches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.matches...)
}

// RemovedMatches returns every rule removed so far, in order.
func (c *Conn) RemovedMatches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

func (c *Conn) AddFilter(f bus.Filter) bus.FilterID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextFilter++
	id := c.nextFilter
	c.filters = append(c.filters, filterEntry{id: id, f: f})
	return id
}

func (c *Conn) RemoveFilter(id bus.FilterID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.filters {
		if e.id == id {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return
		}
	}
}

// FilterCount returns the number of installed filters.
func (c *Conn) FilterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filters)
}

func (c *Conn) RegisterObjectPath(path string, h bus.ObjectHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.handlers[path]; dup {
		return fmt.Errorf("object path %s already registered", path)
	}
	c.handlers[path] = h
	return nil
}

func (c *Conn) UnregisterObjectPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, path)
}

// HandlerRegistered reports whether path currently has an object handler.
func (c *Conn) HandlerRegistered(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[path]
	return ok
}

func (c *Conn) Call(msg *bus.Message) (*bus.Message, error) {
	c.mu.Lock()
	c.calls = append(c.calls, msg)
	fn := c.CallFunc
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, bus.ErrClosed
	}
	if fn == nil {
		return nil, &bus.CallError{Name: bus.ErrNameFailed, Text: "no call handler installed"}
	}
	return fn(msg)
}

// Calls returns every blocking call issued so far, in order.
func (c *Conn) Calls() []*bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bus.Message(nil), c.calls...)
}

func (c *Conn) CallAsync(msg *bus.Message, done func(*bus.Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	c.asyncs = append(c.asyncs, &AsyncCall{Msg: msg, done: done})
	return nil
}

// AsyncCalls returns every async call issued so far, in order.
func (c *Conn) AsyncCalls() []*AsyncCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*AsyncCall(nil), c.asyncs...)
}

// CompleteAsync queues the completion of the i-th async call with reply.
func (c *Conn) CompleteAsync(i int, reply *bus.Message) {
	c.mu.Lock()
	if i < 0 || i >= len(c.asyncs) {
		c.mu.Unlock()
		panic(fmt.Sprintf("bustest: no async call %d", i))
	}
	call := c.asyncs[i]
	c.queue = append(c.queue, work{complete: call.done, reply: reply})
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) Send(msg *bus.Message) error {
	if msg.ReplySerial == 0 {
		return fmt.Errorf("send: message is not a reply")
	}
	c.mu.Lock()
	ch, ok := c.inbound[msg.ReplySerial]
	delete(c.inbound, msg.ReplySerial)
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("send: no pending call for serial %d", msg.ReplySerial)
	}
	ch <- msg
	return nil
}

// Sent returns every reply passed to Send, in order, including replies to
// calls nobody was waiting for.
func (c *Conn) Sent() []*bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bus.Message(nil), c.sent...)
}

func (c *Conn) SetWatchFuncs(funcs bus.WatchFuncs) {
	c.mu.Lock()
	c.watchFuncs = funcs
	c.mu.Unlock()
	if funcs.Add != nil {
		funcs.Add(c.NotifyWatch())
	}
}

// WatchFuncs returns the currently installed hooks so tests can exercise
// them with arbitrary watches.
func (c *Conn) WatchFuncs() bus.WatchFuncs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchFuncs
}

func (c *Conn) Dispatch() bus.DispatchStatus {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return bus.DispatchComplete
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
		return bus.DispatchDataRemains
	}
	return bus.DispatchComplete
}

func (c *Conn) deliver(msg *bus.Message, filters []filterEntry) {
	for _, e := range filters {
		if e.f(msg) == bus.Handled {
			return
		}
	}
	if msg.Type != bus.TypeMethodCall {
		return
	}
	c.mu.Lock()
	h := c.handlers[msg.Path]
	c.mu.Unlock()
	if h != nil && h(msg) == bus.Handled {
		return
	}
	_ = c.Send(msg.NewErrorReply(bus.ErrNameUnknownMethod, "unhandled method "+msg.Member))
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.inbound
	c.inbound = make(map[uint32]chan *bus.Message)
	c.queue = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
	_ = unix.Close(c.notifyR)
	_ = unix.Close(c.notifyW)
	return nil
}

// Watch is a configurable bus.Watch for loop tests.
type Watch struct {
	FD         int
	ReadFlags  bool
	WriteFlags bool
	On         bool
	HandleFunc func(flags bus.WatchFlags)

	mu      sync.Mutex
	handled []bus.WatchFlags
}

func (w *Watch) Fd() int { return w.FD }

func (w *Watch) Flags() bus.WatchFlags {
	var f bus.WatchFlags
	if w.ReadFlags {
		f |= bus.WatchReadable
	}
	if w.WriteFlags {
		f |= bus.WatchWritable
	}
	return f
}

func (w *Watch) Enabled() bool { return w.On }

func (w *Watch) Handle(flags bus.WatchFlags) bool {
	w.mu.Lock()
	w.handled = append(w.handled, flags)
	w.mu.Unlock()
	if w.HandleFunc != nil {
		w.HandleFunc(flags)
	}
	return true
}

// Handled returns the flags of every Handle invocation so far.
func (w *Watch) Handled() []bus.WatchFlags {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bus.WatchFlags(nil), w.handled...)
}
