// Package flowmapper routes session traffic between the peer-to-peer layer
// and local flows.
//
// The mapper keeps one State per key: the session id for session traffic, the
// flow key for flow starts. Each incoming record is dispatched on its payload
// type to an executor that returns the next state and the records to publish.
// Processor adapts the dispatcher to the mediator so that state transitions
// are persisted before their outputs are published.
//
// States that reach CLOSING or ERROR carry a status tag in their metadata
// (MetadataStatusKey) which the cleanup task queries to find expired states.
package flowmapper
