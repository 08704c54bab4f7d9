// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventloop

import (
	"golang.org/x/sys/unix"

	"github.com/ManuGH/btbusd/internal/bus"
)

// watchSet is the poll set and its parallel watch handles. Slot 0 is
// permanently the control channel's read end (handle nil). The set is
// owned by the worker goroutine; nothing else touches it after Start.
type watchSet struct {
	fds     []unix.PollFd
	watches []bus.Watch
}

func newWatchSet(controlFd int) *watchSet {
	return &watchSet{
		fds:     []unix.PollFd{{Fd: int32(controlFd), Events: unix.POLLIN}},
		watches: []bus.Watch{nil},
	}
}

// add appends an entry. A second entry with the same descriptor and event
// mask is refused so repeated announcements of one watch collapse.
func (s *watchSet) add(fd int32, events int16, w bus.Watch) bool {
	for i := range s.fds {
		if s.fds[i].Fd == fd && s.fds[i].Events == events {
			return false
		}
	}
	s.fds = append(s.fds, unix.PollFd{Fd: fd, Events: events})
	s.watches = append(s.watches, w)
	return true
}

// remove drops the entry matching fd and events by moving the last entry
// into its slot and truncating both slices. Entry order is not preserved.
// Removal of an absent entry reports false and changes nothing.
func (s *watchSet) remove(fd int32, events int16) bool {
	for i := range s.fds {
		if s.fds[i].Fd != fd || s.fds[i].Events != events {
			continue
		}
		last := len(s.fds) - 1
		s.fds[i] = s.fds[last]
		s.watches[i] = s.watches[last]
		s.fds = s.fds[:last]
		s.watches[last] = nil
		s.watches = s.watches[:last]
		return true
	}
	return false
}

func (s *watchSet) size() int {
	return len(s.fds)
}

// pollEvents translates watch interest flags to poll(2) event bits.
func pollEvents(flags bus.WatchFlags) int16 {
	var ev int16
	if flags&bus.WatchReadable != 0 {
		ev |= unix.POLLIN
	}
	if flags&bus.WatchWritable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// watchFlags translates returned poll(2) bits to watch readiness flags.
func watchFlags(revents int16) bus.WatchFlags {
	var f bus.WatchFlags
	if revents&unix.POLLIN != 0 {
		f |= bus.WatchReadable
	}
	if revents&unix.POLLOUT != 0 {
		f |= bus.WatchWritable
	}
	if revents&unix.POLLERR != 0 {
		f |= bus.WatchError
	}
	if revents&unix.POLLHUP != 0 {
		f |= bus.WatchHangup
	}
	return f
}
