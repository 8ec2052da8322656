// Package session implements the session lifecycle state machine.
//
// A session is a bidirectional, ordered and acknowledged channel between two
// flows. Each party holds a State keyed by its own session id; the two ids
// differ only by the InitiatedSuffix (see CounterpartySessionID).
//
// All transitions are pure: they never mutate the state passed in and return
// a new value for the caller to persist.
//
//	state, out := session.ProcessMessageToSend(nil, session.Message{
//		SessionID: id,
//		Type:      session.MessageInit,
//	}, now)
//	// publish *out, persist state
//
//	state = session.ProcessMessageReceived(state, ack, now)
//	state, delivered := session.TakeReceivedMessages(state)
//
// Protocol violations are not returned as errors. They move the session to
// StatusError, which callers must check for and report.
package session
