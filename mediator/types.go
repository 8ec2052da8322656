package mediator

import (
	"encoding/json"

	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/statestore"
)

// StateAndMeta is a decoded state together with its queryable metadata
type StateAndMeta[S any] struct {
	State    S
	Metadata statestore.Metadata
}

// Response is the outcome of processing one record. A nil UpdatedState
// deletes the key's state.
type Response[S any] struct {
	UpdatedState   *StateAndMeta[S]
	ResponseEvents []message.Record
}

// Processor applies one record to the current state of its key. state is nil
// when the key has no stored state. Implementations must be pure: the
// mediator may call OnNext again for the same record after a conflict.
type Processor[S any] interface {
	OnNext(state *StateAndMeta[S], rec message.Record) (Response[S], error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc[S any] func(state *StateAndMeta[S], rec message.Record) (Response[S], error)

// OnNext implements Processor
func (f ProcessorFunc[S]) OnNext(state *StateAndMeta[S], rec message.Record) (Response[S], error) {
	return f(state, rec)
}

// StateCodec converts states to and from store values
type StateCodec[S any] interface {
	Marshal(state S) ([]byte, error)
	Unmarshal(data []byte) (S, error)
}

// JSONCodec stores states as JSON
type JSONCodec[S any] struct{}

// Marshal implements StateCodec
func (JSONCodec[S]) Marshal(state S) ([]byte, error) {
	return json.Marshal(state)
}

// Unmarshal implements StateCodec
func (JSONCodec[S]) Unmarshal(data []byte) (S, error) {
	var s S
	err := json.Unmarshal(data, &s)
	return s, err
}
