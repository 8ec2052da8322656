package flowmapper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/identity"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/session"
)

// Result is the outcome of executing one event. A nil State means the key has
// no state afterwards.
type Result struct {
	State   *State
	Outputs []message.Record
}

// executor runs the event handlers. It holds no per-key state.
type executor struct {
	aliases   *identity.AliasCache
	newFlowID func() string
	logger    *slog.Logger
}

func (x *executor) execute(key string, state *State, ev Event, now time.Time) (Result, error) {
	switch e := ev.(type) {
	case *StartFlow:
		return x.startFlow(key, state, e), nil
	case *SessionEvent:
		switch e.Direction {
		case DirectionOutbound:
			return x.outbound(key, state, e), nil
		case DirectionInbound:
			return x.inbound(key, state, e, now), nil
		}
		return Result{}, errors.WrapInvalid(
			fmt.Errorf("%w: session event direction %q", errors.ErrInvalidData, e.Direction),
			"Processor", "Execute", "dispatch session event")
	case *ScheduleCleanup:
		return scheduleCleanup(state, e), nil
	case *ExecuteCleanup:
		return Result{}, nil
	}
	return Result{}, errors.WrapInvalid(
		fmt.Errorf("%w: %T", errors.ErrUnknownType, ev),
		"Processor", "Execute", "dispatch event")
}

func (x *executor) startFlow(key string, state *State, e *StartFlow) Result {
	if state != nil {
		x.logger.Debug("Flow already started, ignoring duplicate start", "key", key, "flow_id", state.FlowID)
		return Result{State: state}
	}

	flowID := e.FlowID
	if flowID == "" {
		flowID = x.newFlowID()
	}
	return Result{
		State: &State{FlowID: flowID, Status: StatusOpen},
		Outputs: []message.Record{{
			Key:   flowID,
			Value: &FlowEvent{FlowID: flowID, Kind: FlowStart, Initiator: e.Initiator},
		}},
	}
}

// outbound forwards a message from a local flow to the peer. key is the
// session id as seen by the local flow.
func (x *executor) outbound(key string, state *State, e *SessionEvent) Result {
	msg := e.Message.Clone()

	switch {
	case msg.Type == session.MessageInit && state != nil:
		x.logger.Debug("Session already initiated, ignoring duplicate init", "session_id", key)
		return Result{State: state}
	case msg.Type == session.MessageInit:
		state = &State{FlowID: e.FlowID, Status: StatusOpen}
	case state == nil:
		x.logger.Warn("Outbound session event for unknown session, dropping",
			"session_id", key,
			"message_type", msg.Type)
		return Result{}
	default:
		next := *state
		state = &next
	}

	if msg.Type == session.MessageError {
		state.Status = StatusError
	}
	msg.SessionID = session.CounterpartySessionID(key)
	return Result{State: state, Outputs: []message.Record{x.toPeer(e.Source, e.Destination, msg)}}
}

// inbound hands a message from the peer to the local flow. key is the
// session id as seen by the local flow.
func (x *executor) inbound(key string, state *State, e *SessionEvent, now time.Time) Result {
	msg := e.Message.Clone()

	switch {
	case msg.Type == session.MessageInit && state != nil:
		x.logger.Debug("Session already initiated, ignoring duplicate init", "session_id", key)
		return Result{State: state}

	case msg.Type == session.MessageInit:
		flowID := x.newFlowID()
		return Result{
			State: &State{FlowID: flowID, Status: StatusOpen},
			Outputs: []message.Record{{
				Key: flowID,
				Value: &FlowEvent{
					FlowID:       flowID,
					Kind:         FlowStartResponder,
					SessionID:    key,
					Initiator:    e.Source,
					Counterparty: e.Destination,
					Message:      &msg,
				},
			}},
		}

	case state == nil || state.Status == StatusError:
		if msg.Type == session.MessageError {
			x.logger.Debug("Error for unknown or failed session, dropping", "session_id", key)
			return Result{State: state}
		}
		x.logger.Warn("Session event for unknown or failed session, replying with error",
			"session_id", key,
			"message_type", msg.Type)
		reply := session.Message{
			SessionID:    session.CounterpartySessionID(key),
			Type:         session.MessageError,
			ErrorMessage: fmt.Sprintf("session %s does not exist or has failed", key),
			Timestamp:    now,
		}
		return Result{State: state, Outputs: []message.Record{x.toPeer(e.Destination, e.Source, reply)}}
	}

	return Result{
		State: state,
		Outputs: []message.Record{{
			Key: state.FlowID,
			Value: &FlowEvent{
				FlowID:       state.FlowID,
				Kind:         FlowSession,
				SessionID:    key,
				Initiator:    e.Source,
				Counterparty: e.Destination,
				Message:      &msg,
			},
		}},
	}
}

func scheduleCleanup(state *State, e *ScheduleCleanup) Result {
	if state == nil {
		return Result{}
	}
	next := *state
	if next.Status != StatusError {
		next.Status = StatusClosing
	}
	next.ExpiryTime = e.ExpiryTime
	return Result{State: &next}
}

// toPeer addresses msg to the peer, keyed by the peer's session id
func (x *executor) toPeer(source, destination identity.Identity, msg session.Message) message.Record {
	if x.aliases != nil {
		destination = x.aliases.Resolve(destination)
	}
	return message.Record{
		Key: msg.SessionID,
		Value: &P2POut{
			Source:      source,
			Destination: destination,
			Message:     msg,
		},
	}
}
