package flowmapper

import (
	"time"

	"github.com/c360/sessionflow/identity"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/session"
)

// Domain is the payload type domain of every mapper record
const Domain = "flowmapper"

// Payload types
var (
	StartFlowType       = message.Type{Domain: Domain, Category: "start_flow", Version: "v1"}
	SessionEventType    = message.Type{Domain: Domain, Category: "session_event", Version: "v1"}
	ScheduleCleanupType = message.Type{Domain: Domain, Category: "schedule_cleanup", Version: "v1"}
	ExecuteCleanupType  = message.Type{Domain: Domain, Category: "execute_cleanup", Version: "v1"}
	P2POutType          = message.Type{Domain: Domain, Category: "p2p_out", Version: "v1"}
	FlowEventType       = message.Type{Domain: Domain, Category: "flow_event", Version: "v1"}
)

func init() {
	message.MustRegister(StartFlowType, func() message.Payload { return &StartFlow{} })
	message.MustRegister(SessionEventType, func() message.Payload { return &SessionEvent{} })
	message.MustRegister(ScheduleCleanupType, func() message.Payload { return &ScheduleCleanup{} })
	message.MustRegister(ExecuteCleanupType, func() message.Payload { return &ExecuteCleanup{} })
	message.MustRegister(P2POutType, func() message.Payload { return &P2POut{} })
	message.MustRegister(FlowEventType, func() message.Payload { return &FlowEvent{} })
}

// Direction tells whether a session event goes to or comes from the peer
type Direction string

// Directions
const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// Event is an input of the mapper. The set of events is closed: StartFlow,
// SessionEvent, ScheduleCleanup and ExecuteCleanup.
type Event interface {
	message.Payload
	isEvent()
}

// StartFlow asks for a local flow to be started under the record key
type StartFlow struct {
	FlowID    string            `json:"flowId"`
	Initiator identity.Identity `json:"initiator"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionEvent carries a session message between a local flow and the peer.
// Source and Destination are the parties as seen by the sender.
type SessionEvent struct {
	Direction   Direction         `json:"direction"`
	FlowID      string            `json:"flowId,omitempty"`
	Message     session.Message   `json:"message"`
	Source      identity.Identity `json:"source"`
	Destination identity.Identity `json:"destination"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ScheduleCleanup marks the state of the record key for removal after
// ExpiryTime
type ScheduleCleanup struct {
	ExpiryTime time.Time `json:"expiryTime"`
}

// ExecuteCleanup removes the states of the listed keys
type ExecuteCleanup struct {
	IDs []string `json:"ids"`
}

func (*StartFlow) isEvent()       {}
func (*SessionEvent) isEvent()    {}
func (*ScheduleCleanup) isEvent() {}
func (*ExecuteCleanup) isEvent()  {}

// Schema implements message.Payload
func (*StartFlow) Schema() message.Type { return StartFlowType }

// Schema implements message.Payload
func (*SessionEvent) Schema() message.Type { return SessionEventType }

// Schema implements message.Payload
func (*ScheduleCleanup) Schema() message.Type { return ScheduleCleanupType }

// Schema implements message.Payload
func (*ExecuteCleanup) Schema() message.Type { return ExecuteCleanupType }

// P2POut is a session message addressed to a peer
type P2POut struct {
	Source      identity.Identity `json:"source"`
	Destination identity.Identity `json:"destination"`
	Message     session.Message   `json:"message"`
}

// Schema implements message.Payload
func (*P2POut) Schema() message.Type { return P2POutType }

// FlowEventKind is what a flow event asks the flow engine to do
type FlowEventKind string

// Flow event kinds
const (
	FlowStart          FlowEventKind = "START"
	FlowStartResponder FlowEventKind = "START_RESPONDER"
	FlowSession        FlowEventKind = "SESSION"
)

// FlowEvent is an instruction for the flow engine, keyed by flow id
type FlowEvent struct {
	FlowID       string            `json:"flowId"`
	Kind         FlowEventKind     `json:"kind"`
	SessionID    string            `json:"sessionId,omitempty"`
	Initiator    identity.Identity `json:"initiator"`
	Counterparty identity.Identity `json:"counterparty,omitzero"`
	Message      *session.Message  `json:"message,omitempty"`
}

// Schema implements message.Payload
func (*FlowEvent) Schema() message.Type { return FlowEventType }
