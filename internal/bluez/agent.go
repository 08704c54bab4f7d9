package bluez

import (
	"errors"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/btbusd/internal/bus"
	"github.com/ManuGH/btbusd/internal/log"
	"github.com/ManuGH/btbusd/internal/metrics"
)

// ErrTicketUsed is returned when a PinRequest is answered twice.
var ErrTicketUsed = errors.New("pin request already answered")

// PinRequest is a retained PIN request. The daemon's call stays unanswered
// until Submit or Reject is invoked, from any goroutine, at any later time.
// The ticket is single-use; an abandoned ticket is resolved by the
// connection when it closes.
type PinRequest struct {
	// Device is the object path of the device being paired.
	Device string

	conn bus.Conn
	msg  *bus.Message
	used atomic.Bool
}

// Submit replies with the given PIN code, consuming the ticket.
func (r *PinRequest) Submit(pin string) error {
	if !r.used.CompareAndSwap(false, true) {
		return ErrTicketUsed
	}
	return r.conn.Send(r.msg.NewMethodReturn(pin))
}

// Reject refuses the PIN request, consuming the ticket. An empty reason
// gets a stock message.
func (r *PinRequest) Reject(reason string) error {
	if !r.used.CompareAndSwap(false, true) {
		return ErrTicketUsed
	}
	if reason == "" {
		reason = "Pairing request rejected"
	}
	return r.conn.Send(r.msg.NewErrorReply(ErrNameRejected, reason))
}

// agent answers the daemon's pairing-agent method calls. It is registered
// as the object handler for the agent path and runs on the event loop's
// worker goroutine.
type agent struct {
	conn   bus.Conn
	cb     Callbacks
	logger zerolog.Logger
}

// HandleCall implements the agent method table. Unknown members and calls
// with malformed arguments are declined so the connection's default error
// behavior answers.
func (a *agent) HandleCall(msg *bus.Message) bus.HandlerResult {
	if msg.Type != bus.TypeMethodCall || msg.Interface != AgentInterface {
		return bus.NotYetHandled
	}
	switch msg.Member {
	case "Release":
		metrics.IncAgentRequest(msg.Member)
		a.logger.Debug().
			Str(log.FieldEvent, "agent.release").
			Msg("agent released by daemon")
		a.reply(msg, msg.NewMethodReturn())
		return bus.Handled

	case "Cancel":
		metrics.IncAgentRequest(msg.Member)
		if a.cb.AgentCancel != nil {
			a.cb.AgentCancel()
		}
		a.reply(msg, msg.NewMethodReturn())
		return bus.Handled

	case "Authorize":
		return a.authorize(msg)

	case "RequestPinCode":
		return a.requestPinCode(msg)
	}
	return bus.NotYetHandled
}

func (a *agent) authorize(msg *bus.Message) bus.HandlerResult {
	var device dbus.ObjectPath
	var uuid string
	if err := msg.Args(&device, &uuid); err != nil {
		return a.malformed(msg, err)
	}
	metrics.IncAgentRequest(msg.Member)

	authorized := false
	if a.cb.AgentAuthorize != nil {
		authorized = a.cb.AgentAuthorize(string(device), uuid)
	} else {
		a.logger.Warn().
			Str(log.FieldEvent, "agent.authorize_unhandled").
			Str(log.FieldObjPath, string(device)).
			Msg("no authorize handler registered, rejecting")
	}

	a.logger.Info().
		Str(log.FieldEvent, "agent.authorize").
		Str(log.FieldObjPath, string(device)).
		Str(log.FieldUUID, uuid).
		Bool("authorized", authorized).
		Msg("authorization decided")

	if authorized {
		a.reply(msg, msg.NewMethodReturn())
	} else {
		a.reply(msg, msg.NewErrorReply(ErrNameRejected, "Authorization rejected"))
	}
	return bus.Handled
}

func (a *agent) requestPinCode(msg *bus.Message) bus.HandlerResult {
	var device dbus.ObjectPath
	if err := msg.Args(&device); err != nil {
		return a.malformed(msg, err)
	}
	metrics.IncAgentRequest(msg.Member)

	if a.cb.RequestPinCode == nil {
		a.logger.Warn().
			Str(log.FieldEvent, "agent.pin_unhandled").
			Str(log.FieldObjPath, string(device)).
			Msg("no PIN handler registered, rejecting")
		a.reply(msg, msg.NewErrorReply(ErrNameRejected, "No PIN input available"))
		return bus.Handled
	}

	a.logger.Info().
		Str(log.FieldEvent, "agent.pin_requested").
		Str(log.FieldObjPath, string(device)).
		Msg("pin requested, handing ticket to application")
	// No reply here: the ticket carries it whenever the application is
	// ready.
	a.cb.RequestPinCode(&PinRequest{
		Device: string(device),
		conn:   a.conn,
		msg:    msg,
	})
	return bus.Handled
}

func (a *agent) malformed(msg *bus.Message, err error) bus.HandlerResult {
	a.logger.Error().
		Err(err).
		Str(log.FieldEvent, "agent.malformed").
		Str(log.FieldMember, msg.Member).
		Msg("declining agent call with unexpected arguments")
	return bus.NotYetHandled
}

func (a *agent) reply(msg *bus.Message, reply *bus.Message) {
	if err := a.conn.Send(reply); err != nil {
		a.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "agent.reply_failed").
			Str(log.FieldMember, msg.Member).
			Msg("could not reply to agent call")
	}
}
