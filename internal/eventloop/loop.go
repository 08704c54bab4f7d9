// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package eventloop multiplexes a message-bus connection's descriptors on
// a single worker goroutine. The connection announces descriptors through
// watch hooks; the hooks serialize every mutation into a socketpair control
// channel that only the worker reads, so the poll set needs no lock. The
// worker applies queued mutations, hands readiness to the connection,
// drains its dispatch queue and goes back to sleep in poll.
package eventloop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/log"
	"github.com/ManuGH/btbusd/internal/metrics"
)

// ErrAlreadyRunning is returned by Start when the loop is running.
var ErrAlreadyRunning = errors.New("event loop already running")

// Config carries the loop's collaborators.
type Config struct {
	// Conn is the bus connection whose watches and dispatch queue the
	// loop drives. Required.
	Conn bus.Conn

	// Setup runs during Start, before the worker exists. Registration
	// work (matches, filters, object exports) belongs here; a failure
	// aborts Start.
	Setup func(conn bus.Conn) error

	// Teardown runs on the worker as it exits. Errors are the
	// callee's to log; teardown is best effort.
	Teardown func(conn bus.Conn)

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// Loop owns the worker goroutine and the watch set.
type Loop struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	ctrlR   int
	ctrlW   int
	ws      *watchSet
	wg      sync.WaitGroup

	writeMu sync.Mutex
	handles *handleTable
}

// New creates a stopped loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("event loop requires a bus connection")
	}
	logger := log.WithComponent("eventloop")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Loop{cfg: cfg, logger: logger, handles: newHandleTable()}, nil
}

// Start brings the loop up: control channel, initial watch set, the
// Setup hook, watch hooks on the connection, then the worker. When Start
// returns nil the worker observes a consistent watch set whose first entry
// is the control channel itself. A second Start while running is refused.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.logger.Warn().
			Str(log.FieldEvent, "eventloop.start_ignored").
			Msg("start requested while already running")
		return ErrAlreadyRunning
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create control channel: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return fmt.Errorf("configure control channel: %w", err)
	}
	l.ctrlR, l.ctrlW = fds[0], fds[1]
	l.ws = newWatchSet(l.ctrlR)

	if l.cfg.Setup != nil {
		if err := l.cfg.Setup(l.cfg.Conn); err != nil {
			unix.Close(l.ctrlR)
			unix.Close(l.ctrlW)
			l.ws = nil
			return fmt.Errorf("event loop setup: %w", err)
		}
	}

	l.cfg.Conn.SetWatchFuncs(bus.WatchFuncs{
		Add:    l.addWatch,
		Remove: l.removeWatch,
		Toggle: l.toggleWatch,
	})

	l.running = true
	l.wg.Add(1)
	go l.worker()

	l.logger.Info().
		Str(log.FieldEvent, "eventloop.started").
		Msg("event loop started")
	return nil
}

// Stop asks the worker to exit and waits for it. Stopping an idle loop is
// a no-op. Stop must not be called from a callback running on the worker;
// that would wait on the caller's own goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		l.logger.Debug().
			Str(log.FieldEvent, "eventloop.stop_ignored").
			Msg("stop requested while not running")
		return
	}

	if err := l.writeControl(controlRecord{op: opExit}); err != nil {
		l.logger.Error().
			Err(err).
			Str(log.FieldEvent, "eventloop.exit_write_failed").
			Msg("could not write exit record")
	}
	l.wg.Wait()

	unix.Close(l.ctrlW)
	unix.Close(l.ctrlR)
	l.ws = nil
	l.running = false

	l.logger.Info().
		Str(log.FieldEvent, "eventloop.stopped").
		Msg("event loop stopped")
}

// IsRunning reports whether the worker is up.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// addWatch is the connection's add hook. It may run on any goroutine; the
// mutation travels to the worker as a control record carrying a handle
// token.
func (l *Loop) addWatch(w bus.Watch) bool {
	if !w.Enabled() {
		return true
	}
	token := l.handles.put(w)
	rec := controlRecord{op: opAdd, fd: int32(w.Fd()), flags: w.Flags(), token: token}
	if err := l.writeControl(rec); err != nil {
		l.handles.take(token)
		l.logger.Error().
			Err(err).
			Str(log.FieldEvent, "eventloop.watch_add_failed").
			Int(log.FieldFd, w.Fd()).
			Msg("could not queue watch add")
		return false
	}
	return true
}

// removeWatch is the connection's remove hook.
func (l *Loop) removeWatch(w bus.Watch) {
	rec := controlRecord{op: opRemove, fd: int32(w.Fd()), flags: w.Flags()}
	if err := l.writeControl(rec); err != nil {
		l.logger.Error().
			Err(err).
			Str(log.FieldEvent, "eventloop.watch_remove_failed").
			Int(log.FieldFd, w.Fd()).
			Msg("could not queue watch remove")
	}
}

// toggleWatch re-announces a watch whose enabled state flipped.
func (l *Loop) toggleWatch(w bus.Watch) {
	if w.Enabled() {
		l.addWatch(w)
	} else {
		l.removeWatch(w)
	}
}

// writeControl writes one full record. Records are tiny, so a single
// write suffices; the loop covers the theoretical short write.
func (l *Loop) writeControl(rec controlRecord) error {
	buf := rec.encode()
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for off := 0; off < len(buf); {
		n, err := unix.Write(l.ctrlW, buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("write control record: %w", err)
		}
		off += n
	}
	metrics.IncControlOp(opName(rec.op))
	return nil
}

// worker is the loop body: apply control records, hand one ready
// descriptor to the connection, drain dispatch, poll.
func (l *Loop) worker() {
	defer l.wg.Done()
	ws := l.ws
	conn := l.cfg.Conn

	for {
		for i := 0; i < len(ws.fds); i++ {
			if ws.fds[i].Revents == 0 {
				continue
			}
			if int(ws.fds[i].Fd) == l.ctrlR {
				ws.fds[i].Revents = 0
				if exit := l.drainControl(ws); exit {
					l.shutdown(conn)
					return
				}
				continue
			}
			flags := watchFlags(ws.fds[i].Revents)
			w := ws.watches[i]
			ws.fds[i].Revents = 0
			if w != nil {
				w.Handle(flags)
			}
			// Handling may have changed the set; take at most one
			// ready entry per wake.
			break
		}

		for conn.Dispatch() == bus.DispatchDataRemains {
		}

		if _, err := unix.Poll(ws.fds, -1); err != nil && err != unix.EINTR {
			l.logger.Error().
				Err(err).
				Str(log.FieldEvent, "eventloop.poll_failed").
				Msg("poll failed, shutting event loop down")
			l.shutdown(conn)
			return
		}
	}
}

// shutdown is the worker's exit path: watch hooks off first so the
// connection stops announcing descriptors, then the teardown hook, then
// the control read end.
func (l *Loop) shutdown(conn bus.Conn) {
	conn.SetWatchFuncs(bus.WatchFuncs{})
	if l.cfg.Teardown != nil {
		l.cfg.Teardown(conn)
	}
	if err := unix.Shutdown(l.ctrlR, unix.SHUT_RDWR); err != nil {
		l.logger.Debug().
			Err(err).
			Str(log.FieldEvent, "eventloop.control_shutdown_failed").
			Msg("control channel shutdown failed")
	}
}

// drainControl reads queued records until the channel is empty. Reports
// whether an exit record was seen; queued mutations after an exit are
// irrelevant and stay unread.
func (l *Loop) drainControl(ws *watchSet) bool {
	var buf [controlRecordSize]byte
	for {
		n, err := unix.Read(l.ctrlR, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || n == 0 {
			return false
		}
		if err != nil {
			l.logger.Error().
				Err(err).
				Str(log.FieldEvent, "eventloop.control_read_failed").
				Msg("control channel read failed")
			return false
		}
		if n < controlRecordSize {
			if !l.readFull(buf[n:]) {
				return false
			}
		}

		rec := decodeControl(buf[:])
		switch rec.op {
		case opExit:
			return true
		case opAdd:
			l.applyAdd(ws, rec)
		case opRemove:
			l.applyRemove(ws, rec)
		default:
			l.logger.Warn().
				Str(log.FieldEvent, "eventloop.control_bad_op").
				Uint8(log.FieldOp, rec.op).
				Msg("unknown control op")
		}
	}
}

// readFull completes a torn record. The writer sends whole records, so
// the remainder is already in flight; wait for it.
func (l *Loop) readFull(buf []byte) bool {
	pfd := []unix.PollFd{{Fd: int32(l.ctrlR), Events: unix.POLLIN}}
	for off := 0; off < len(buf); {
		n, err := unix.Read(l.ctrlR, buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if _, perr := unix.Poll(pfd, -1); perr != nil && perr != unix.EINTR {
				return false
			}
			continue
		}
		if err != nil || n == 0 {
			l.logger.Error().
				Err(err).
				Str(log.FieldEvent, "eventloop.control_torn_record").
				Msg("could not complete control record")
			return false
		}
		off += n
	}
	return true
}

func (l *Loop) applyAdd(ws *watchSet, rec controlRecord) {
	w, ok := l.handles.take(rec.token)
	if !ok {
		l.logger.Warn().
			Str(log.FieldEvent, "eventloop.watch_token_unknown").
			Uint64(log.FieldToken, rec.token).
			Msg("add record carries unknown watch token")
		return
	}
	if !ws.add(rec.fd, pollEvents(rec.flags), w) {
		l.logger.Debug().
			Str(log.FieldEvent, "eventloop.watch_duplicate").
			Int32(log.FieldFd, rec.fd).
			Msg("watch already present, add collapsed")
		return
	}
	metrics.SetWatchSetSize(ws.size())
}

func (l *Loop) applyRemove(ws *watchSet, rec controlRecord) {
	if !ws.remove(rec.fd, pollEvents(rec.flags)) {
		l.logger.Warn().
			Str(log.FieldEvent, "eventloop.watch_missing").
			Int32(log.FieldFd, rec.fd).
			Msg("remove record matches no watch")
		return
	}
	metrics.SetWatchSetSize(ws.size())
}
