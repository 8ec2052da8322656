package session

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

func newState(sessionID string, now time.Time) *State {
	return &State{
		SessionID:        sessionID,
		CounterpartyID:   CounterpartySessionID(sessionID),
		CreatedTime:      now,
		LastReceivedTime: now,
	}
}

// ProcessMessageToSend applies a message the local flow wants to send. It
// returns the new state and the stamped message to publish, or nil when
// nothing must go out. A send that violates the protocol moves the session to
// StatusError and returns the ERROR message for the peer.
func ProcessMessageToSend(s *State, msg Message, now time.Time) (*State, *Message) {
	if s == nil {
		st := newState(msg.SessionID, now)
		if msg.Type != MessageInit {
			return failSend(st, fmt.Sprintf("cannot send %s on a session that was never initiated", msg.Type), now)
		}
		st.Status = StatusCreated
		st.Initiator = true
		st.Properties = slices.Clone(msg.Properties)
		return appendSend(st, msg, now)
	}

	next := s.Clone()
	if next.Status == StatusError {
		return next, nil
	}

	switch msg.Type {
	case MessageError:
		reason := msg.ErrorMessage
		if reason == "" {
			reason = "session errored by local flow"
		}
		return failSend(next, reason, now)
	case MessageAck:
		return GenerateAck(next, now)
	}

	switch next.Status {
	case StatusConfirmed:
		switch msg.Type {
		case MessageData:
			return appendSend(next, msg, now)
		case MessageClose:
			next.SentCloseSeq = next.SendEvents.LastProcessedSequenceNum + 1
			if next.Properties.RequireClose() {
				next.Status = StatusClosing
			} else {
				next.Status = StatusClosed
			}
			return appendSend(next, msg, now)
		}
	case StatusClosing:
		if next.closeInitiated() {
			if msg.Type == MessageClose {
				return next, nil
			}
		} else if msg.Type == MessageClose {
			next.SentCloseSeq = next.SendEvents.LastProcessedSequenceNum + 1
			next.Status = StatusWaitForFinalAck
			return appendSend(next, msg, now)
		}
	case StatusWaitForFinalAck:
		if msg.Type == MessageInit {
			return next, nil
		}
	case StatusClosed:
		if msg.Type == MessageClose {
			return next, nil
		}
	}

	return failSend(next, fmt.Sprintf("cannot send %s in status %s", msg.Type, s.Status), now)
}

// appendSend assigns the next sequence number, piggybacks the receive-side
// acknowledgement and buffers the message until the peer acknowledges it.
func appendSend(st *State, msg Message, now time.Time) (*State, *Message) {
	out := msg.Clone()
	out.SessionID = st.SessionID
	out.SequenceNum = st.SendEvents.LastProcessedSequenceNum + 1
	out.ReceivedSequenceNum = st.ReceiveEvents.LastProcessedSequenceNum
	out.OutOfOrderSequenceNums = outOfOrder(st)
	out.Timestamp = now

	st.SendEvents.LastProcessedSequenceNum = out.SequenceNum
	st.SendEvents.UndeliveredMessages = append(st.SendEvents.UndeliveredMessages, out.Clone())
	st.AckRequired = false
	return st, &out
}

func failSend(st *State, reason string, now time.Time) (*State, *Message) {
	fail(st, reason)
	msg := ErrorMessage(st, now)
	return st, &msg
}

func fail(st *State, reason string) *State {
	st.Status = StatusError
	st.ErrorMessage = reason
	return st
}

// ErrorMessage builds the ERROR message telling the peer this session failed
func ErrorMessage(s *State, now time.Time) Message {
	return Message{
		SessionID:           s.SessionID,
		Type:                MessageError,
		ReceivedSequenceNum: s.ReceiveEvents.LastProcessedSequenceNum,
		ErrorMessage:        s.ErrorMessage,
		Timestamp:           now,
	}
}

// ProcessMessageReceived applies a message received from the peer. Sequence
// numbers are checked before the message type: anything at or below the
// highest contiguous sequence number, or already buffered, is a duplicate and
// only requests a fresh acknowledgement.
func ProcessMessageReceived(s *State, msg Message, now time.Time) *State {
	if s == nil {
		st := newState(msg.SessionID, now)
		if msg.Type != MessageInit {
			return fail(st, fmt.Sprintf("received %s for a session that was never initiated", msg.Type))
		}
		st.Status = StatusConfirmed
		st.Properties = slices.Clone(msg.Properties)
		st.ReceiveEvents.LastProcessedSequenceNum = msg.SequenceNum
		st.ReceiveEvents.UndeliveredMessages = []Message{msg.Clone()}
		st.AckRequired = true
		return st
	}

	next := s.Clone()
	next.LastReceivedTime = now
	if next.Status == StatusError {
		return next
	}

	switch msg.Type {
	case MessageError:
		reason := msg.ErrorMessage
		if reason == "" {
			reason = "session errored by counterparty"
		}
		return fail(next, reason)
	case MessageAck:
		applyAck(next, msg)
		return next
	}
	if !msg.Type.sequenced() {
		return fail(next, fmt.Sprintf("received unknown message type %q", msg.Type))
	}

	applyAck(next, msg)

	seq := msg.SequenceNum
	if seq <= next.ReceiveEvents.LastProcessedSequenceNum || next.ReceiveEvents.contains(seq) {
		next.AckRequired = true
		return next
	}

	buffer := append(next.ReceiveEvents.UndeliveredMessages, msg.Clone())
	slices.SortStableFunc(buffer, func(a, b Message) int {
		return cmp.Compare(a.SequenceNum, b.SequenceNum)
	})
	next.ReceiveEvents.UndeliveredMessages = buffer
	next.AckRequired = true

	for next.Status != StatusError {
		idx := slices.IndexFunc(next.ReceiveEvents.UndeliveredMessages, func(m Message) bool {
			return m.SequenceNum == next.ReceiveEvents.LastProcessedSequenceNum+1
		})
		if idx < 0 {
			break
		}
		next.ReceiveEvents.LastProcessedSequenceNum++
		applyReceived(next, next.ReceiveEvents.UndeliveredMessages[idx])
	}
	return next
}

// applyAck drops acknowledged messages from the send buffer and completes
// the handshakes that were waiting on them.
func applyAck(st *State, ack Message) {
	acked := func(m Message) bool {
		return m.SequenceNum <= ack.ReceivedSequenceNum || slices.Contains(ack.OutOfOrderSequenceNums, m.SequenceNum)
	}
	st.SendEvents.UndeliveredMessages = slices.DeleteFunc(st.SendEvents.UndeliveredMessages, acked)
	if len(st.SendEvents.UndeliveredMessages) == 0 {
		st.SendEvents.UndeliveredMessages = nil
	}

	switch st.Status {
	case StatusCreated:
		if st.SendEvents.LastProcessedSequenceNum >= 1 && !st.SendEvents.contains(1) {
			st.Status = StatusConfirmed
		}
	case StatusWaitForFinalAck:
		if st.sentCloseAcked() {
			st.Status = StatusClosed
		}
	}
}

// applyReceived applies the next contiguous message to the status
func applyReceived(st *State, m Message) {
	switch m.Type {
	case MessageInit:
		// A new INIT while waiting for the final ack is tolerated. It is
		// probably a protocol violation but existing peers rely on it.
		if st.Status != StatusWaitForFinalAck {
			fail(st, fmt.Sprintf("received INIT in status %s", st.Status))
		}
	case MessageData:
		switch {
		case st.Status == StatusCreated, st.Status == StatusConfirmed:
		case st.Status == StatusClosing && st.closeInitiated():
		default:
			fail(st, fmt.Sprintf("received DATA seq %d in status %s", m.SequenceNum, st.Status))
		}
	case MessageClose:
		switch st.Status {
		case StatusCreated, StatusConfirmed:
			st.Status = StatusClosing
			st.ReceivedCloseSeq = m.SequenceNum
		case StatusClosing:
			if !st.closeInitiated() {
				fail(st, "received a second CLOSE")
				return
			}
			st.ReceivedCloseSeq = m.SequenceNum
			if st.sentCloseAcked() {
				st.Status = StatusClosed
			} else {
				st.Status = StatusWaitForFinalAck
			}
		case StatusWaitForFinalAck, StatusClosed:
		}
	}
}

func outOfOrder(st *State) []int64 {
	var seqs []int64
	for _, m := range st.ReceiveEvents.UndeliveredMessages {
		if m.SequenceNum > st.ReceiveEvents.LastProcessedSequenceNum {
			seqs = append(seqs, m.SequenceNum)
		}
	}
	return seqs
}

// GenerateAck returns the ACK for everything received so far, or nil when no
// acknowledgement is pending.
func GenerateAck(s *State, now time.Time) (*State, *Message) {
	next := s.Clone()
	if next == nil || !next.AckRequired {
		return next, nil
	}
	next.AckRequired = false
	return next, &Message{
		SessionID:              next.SessionID,
		Type:                   MessageAck,
		ReceivedSequenceNum:    next.ReceiveEvents.LastProcessedSequenceNum,
		OutOfOrderSequenceNums: outOfOrder(next),
		Timestamp:              now,
	}
}

// TakeReceivedMessages removes and returns the contiguous received messages
// the flow has not consumed yet, in sequence order.
func TakeReceivedMessages(s *State) (*State, []Message) {
	next := s.Clone()
	if next == nil {
		return nil, nil
	}

	var taken, kept []Message
	for _, m := range next.ReceiveEvents.UndeliveredMessages {
		if m.SequenceNum <= next.ReceiveEvents.LastProcessedSequenceNum {
			taken = append(taken, m)
		} else {
			kept = append(kept, m)
		}
	}
	next.ReceiveEvents.UndeliveredMessages = kept
	return next, taken
}

// PendingMessages returns copies of the sent messages still awaiting an ack
func PendingMessages(s *State) []Message {
	if s == nil {
		return nil
	}
	out := make([]Message, 0, len(s.SendEvents.UndeliveredMessages))
	for _, m := range s.SendEvents.UndeliveredMessages {
		out = append(out, m.Clone())
	}
	return out
}

// CheckTimeout moves a session that is waiting on its peer to StatusError
// when nothing has been received for longer than timeout.
func CheckTimeout(s *State, now time.Time, timeout time.Duration) *State {
	next := s.Clone()
	if next == nil || timeout <= 0 || next.Status.IsTerminal() {
		return next
	}
	if len(next.SendEvents.UndeliveredMessages) == 0 {
		return next
	}
	if now.Sub(next.LastReceivedTime) > timeout {
		return fail(next, fmt.Sprintf("no message received from counterparty within %s", timeout))
	}
	return next
}
