package session

import (
	"bytes"
	"slices"
	"strings"
	"time"
)

// InitiatedSuffix marks the session id held by the initiated (responding) party
const InitiatedSuffix = "-INITIATED"

// PropertyRequireClose controls whether a close must be confirmed by the peer.
// Absent means "true".
const PropertyRequireClose = "requireClose"

// Status is the lifecycle status of a session
type Status string

// Session statuses
const (
	StatusCreated         Status = "CREATED"
	StatusConfirmed       Status = "CONFIRMED"
	StatusClosing         Status = "CLOSING"
	StatusWaitForFinalAck Status = "WAIT_FOR_FINAL_ACK"
	StatusClosed          Status = "CLOSED"
	StatusError           Status = "ERROR"
)

// IsTerminal reports whether no further payload transitions are allowed
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusError
}

// MessageType is the protocol message kind
type MessageType string

// Message types
const (
	MessageInit  MessageType = "INIT"
	MessageData  MessageType = "DATA"
	MessageClose MessageType = "CLOSE"
	MessageAck   MessageType = "ACK"
	MessageError MessageType = "ERROR"
)

// sequenced reports whether the type carries a sequence number
func (t MessageType) sequenced() bool {
	return t == MessageInit || t == MessageData || t == MessageClose
}

// Property is one session property
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Properties is an ordered list of session properties
type Properties []Property

// Get returns the value of the first property named key
func (p Properties) Get(key string) (string, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return "", false
}

// RequireClose reports whether closing needs confirmation from the peer
func (p Properties) RequireClose() bool {
	v, ok := p.Get(PropertyRequireClose)
	return !ok || !strings.EqualFold(v, "false")
}

// Message is a session protocol message. SessionID is the id of the session
// the message belongs to from the point of view of the party processing it.
type Message struct {
	SessionID              string      `json:"sessionId"`
	Type                   MessageType `json:"type"`
	SequenceNum            int64       `json:"sequenceNum,omitempty"`
	ReceivedSequenceNum    int64       `json:"receivedSequenceNum"`
	OutOfOrderSequenceNums []int64     `json:"outOfOrderSequenceNums,omitempty"`
	Payload                []byte      `json:"payload,omitempty"`
	Properties             Properties  `json:"properties,omitempty"`
	ErrorMessage           string      `json:"errorMessage,omitempty"`
	Timestamp              time.Time   `json:"timestamp"`
}

// Clone returns a deep copy of m
func (m Message) Clone() Message {
	m.OutOfOrderSequenceNums = slices.Clone(m.OutOfOrderSequenceNums)
	m.Payload = bytes.Clone(m.Payload)
	m.Properties = slices.Clone(m.Properties)
	return m
}

// EventsState tracks one direction of a session. On the send side
// LastProcessedSequenceNum is the last sequence number assigned and
// UndeliveredMessages holds messages not yet acknowledged. On the receive
// side it is the highest contiguous sequence number received and the buffer
// holds messages not yet taken by the flow plus out-of-order arrivals.
type EventsState struct {
	LastProcessedSequenceNum int64     `json:"lastProcessedSequenceNum"`
	UndeliveredMessages      []Message `json:"undeliveredMessages,omitempty"`
}

func (e EventsState) clone() EventsState {
	out := EventsState{LastProcessedSequenceNum: e.LastProcessedSequenceNum}
	if e.UndeliveredMessages != nil {
		out.UndeliveredMessages = make([]Message, len(e.UndeliveredMessages))
		for i, m := range e.UndeliveredMessages {
			out.UndeliveredMessages[i] = m.Clone()
		}
	}
	return out
}

func (e EventsState) contains(seq int64) bool {
	for _, m := range e.UndeliveredMessages {
		if m.SequenceNum == seq {
			return true
		}
	}
	return false
}

// State is one party's view of a session
type State struct {
	SessionID        string      `json:"sessionId"`
	CounterpartyID   string      `json:"counterpartyId"`
	Status           Status      `json:"status"`
	Initiator        bool        `json:"initiator"`
	Properties       Properties  `json:"properties,omitempty"`
	SendEvents       EventsState `json:"sendEvents"`
	ReceiveEvents    EventsState `json:"receiveEvents"`
	AckRequired      bool        `json:"ackRequired"`
	SentCloseSeq     int64       `json:"sentCloseSeq,omitempty"`
	ReceivedCloseSeq int64       `json:"receivedCloseSeq,omitempty"`
	ErrorMessage     string      `json:"errorMessage,omitempty"`
	CreatedTime      time.Time   `json:"createdTime"`
	LastReceivedTime time.Time   `json:"lastReceivedTime"`
}

// Clone returns a deep copy of s
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Properties = slices.Clone(s.Properties)
	out.SendEvents = s.SendEvents.clone()
	out.ReceiveEvents = s.ReceiveEvents.clone()
	return &out
}

// closeInitiated reports whether this party sent its close before the peer's
func (s *State) closeInitiated() bool {
	return s.SentCloseSeq > 0 && s.ReceivedCloseSeq == 0
}

// sentCloseAcked reports whether the close we sent has been acknowledged
func (s *State) sentCloseAcked() bool {
	return s.SentCloseSeq > 0 && !s.SendEvents.contains(s.SentCloseSeq)
}

// CounterpartySessionID toggles the initiated suffix of id
func CounterpartySessionID(id string) string {
	if trimmed, ok := strings.CutSuffix(id, InitiatedSuffix); ok {
		return trimmed
	}
	return id + InitiatedSuffix
}

// IsInitiatedSessionID reports whether id is held by the initiated party
func IsInitiatedSessionID(id string) bool {
	return strings.HasSuffix(id, InitiatedSuffix)
}
