// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

import (
	"sync"
	"sync/atomic"

	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/log"
	"github.com/ManuGH/btbusd/internal/metrics"
)

// pendingKind tags an outstanding async call with its completion shape.
type pendingKind int

const (
	pendingBond pendingKind = iota
	pendingChannel
)

// pendingCall is the retained context of one outstanding async daemon
// call. The done guard makes completion exactly-once: the bus completion
// and the teardown canceller race for the claim, the loser backs off.
type pendingCall struct {
	kind    pendingKind
	address string
	done    atomic.Bool
}

func (p *pendingCall) claim() bool {
	return p.done.CompareAndSwap(false, true)
}

// pendingSet tracks outstanding async calls so teardown can cancel them.
type pendingSet struct {
	mu    sync.Mutex
	calls map[*pendingCall]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{calls: make(map[*pendingCall]struct{})}
}

func (s *pendingSet) add(p *pendingCall) {
	s.mu.Lock()
	s.calls[p] = struct{}{}
	s.mu.Unlock()
	metrics.AsyncCallsInflight.Inc()
}

// remove drops a claimed call. Only the claim winner calls it.
func (s *pendingSet) remove(p *pendingCall) {
	s.mu.Lock()
	delete(s.calls, p)
	s.mu.Unlock()
	metrics.AsyncCallsInflight.Dec()
}

// drain claims and removes every outstanding call, returning the claimed
// ones. Calls a racing completion claimed first are left to it.
func (s *pendingSet) drain() []*pendingCall {
	s.mu.Lock()
	snapshot := make([]*pendingCall, 0, len(s.calls))
	for p := range s.calls {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	var claimed []*pendingCall
	for _, p := range snapshot {
		if p.claim() {
			s.remove(p)
			claimed = append(claimed, p)
		}
	}
	return claimed
}

// bondResultFromReply maps a CreatePairedDevice completion onto the closed
// result taxonomy. notify is false for the one suppressed case: the daemon
// answering InProgress "Bonding in progress", where the attempt is still
// live and a later completion reports the real outcome.
func bondResultFromReply(msg *bus.Message) (result BondResult, notify bool) {
	if msg.Type != bus.TypeError {
		return BondSuccess, true
	}
	switch msg.ErrorName {
	case ErrNameAuthenticationFailed:
		return BondAuthFailed, true
	case ErrNameAuthenticationRejected:
		return BondAuthRejected, true
	case ErrNameAuthenticationCanceled:
		return BondAuthCanceled, true
	case ErrNameConnectionAttemptFailed:
		return BondRemoteDeviceDown, true
	case ErrNameAlreadyExists:
		// An existing bond reports success.
		return BondSuccess, true
	case ErrNameInProgress:
		switch msg.ErrorText() {
		case "Bonding in progress":
			return BondSuccess, false
		case "Discover in progress":
			return BondDiscoveryInProgress, true
		}
		return BondError, true
	}
	return BondError, true
}

// channelFromReply decodes a service-channel completion. Failures of any
// kind collapse to ServiceChannelNone; the caller still notifies.
func channelFromReply(msg *bus.Message) (int32, error) {
	if msg.Type == bus.TypeError {
		return ServiceChannelNone, &bus.CallError{Name: msg.ErrorName, Text: msg.ErrorText()}
	}
	var channel int32
	if err := msg.Args(&channel); err != nil {
		return ServiceChannelNone, err
	}
	return channel, nil
}

// completeBond finishes one pairing attempt on the worker goroutine.
func (s *Service) completeBond(p *pendingCall, reply *bus.Message) {
	if !p.claim() {
		return
	}
	s.pending.remove(p)

	result, notify := bondResultFromReply(reply)
	if !notify {
		s.logger.Debug().
			Str(log.FieldEvent, "bond.suppressed").
			Str(log.FieldAddress, p.address).
			Msg("bonding still in progress, completion withheld")
		return
	}

	evt := s.logger.Info().
		Str(log.FieldEvent, "bond.result").
		Str(log.FieldAddress, p.address).
		Str(log.FieldResult, result.String())
	if reply.Type == bus.TypeError {
		evt = evt.Str(log.FieldErrName, reply.ErrorName)
	}
	evt.Msg("pairing completed")

	metrics.IncBondResult(result.String())
	if s.cb.CreatePairedDeviceResult != nil {
		s.cb.CreatePairedDeviceResult(p.address, result)
	}
}

// completeChannel finishes one service-channel lookup. The callback always
// fires; failed lookups report ServiceChannelNone.
func (s *Service) completeChannel(p *pendingCall, reply *bus.Message) {
	if !p.claim() {
		return
	}
	s.pending.remove(p)

	channel, err := channelFromReply(reply)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "channel.lookup_failed").
			Str(log.FieldAddress, p.address).
			Msg("service channel lookup failed")
	} else {
		s.logger.Debug().
			Str(log.FieldEvent, "channel.resolved").
			Str(log.FieldAddress, p.address).
			Int32(log.FieldChannel, channel).
			Msg("service channel resolved")
	}
	if s.cb.DeviceServiceChannelResult != nil {
		s.cb.DeviceServiceChannelResult(p.address, channel)
	}
}

// cancelPending completes every outstanding call on the Stop caller's
// goroutine with the teardown results: BondError for pairings,
// ServiceChannelNone for channel lookups.
func (s *Service) cancelPending() {
	canceled := s.pending.drain()
	if len(canceled) == 0 {
		return
	}
	s.logger.Info().
		Str(log.FieldEvent, "service.canceled_pending").
		Int("count", len(canceled)).
		Msg("canceling outstanding daemon calls")
	for _, p := range canceled {
		switch p.kind {
		case pendingBond:
			metrics.IncBondResult(BondError.String())
			if s.cb.CreatePairedDeviceResult != nil {
				s.cb.CreatePairedDeviceResult(p.address, BondError)
			}
		case pendingChannel:
			if s.cb.DeviceServiceChannelResult != nil {
				s.cb.DeviceServiceChannelResult(p.address, ServiceChannelNone)
			}
		}
	}
}
