package flowmapper

import (
	"time"

	"github.com/c360/sessionflow/statestore"
)

// MetadataStatusKey is the metadata field mirroring State.Status
const MetadataStatusKey = "flowMapperState"

// Status is the lifecycle status of a mapper state
type Status string

// Mapper statuses
const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusError   Status = "ERROR"
)

// State associates a key with the flow that owns it
type State struct {
	FlowID     string    `json:"flowId"`
	Status     Status    `json:"status"`
	ExpiryTime time.Time `json:"expiryTime,omitzero"`
}

// CleanupStatuses are the statuses whose states the cleanup task removes
func CleanupStatuses() []string {
	return []string{string(StatusClosing), string(StatusError)}
}

// tagged returns md with the status tag of st added
func tagged(md statestore.Metadata, st *State) statestore.Metadata {
	return md.Merge(statestore.Metadata{MetadataStatusKey: string(st.Status)})
}
