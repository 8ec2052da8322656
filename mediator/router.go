package mediator

import (
	"fmt"
	"sync"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/message"
)

// Destination is where a routed record is published. An empty Topic keeps
// the topic set on the record.
type Destination struct {
	Sink  message.Sink
	Topic string
}

// Router chooses the destination of an output record
type Router interface {
	Route(rec message.Record) (Destination, error)
}

// TypeRouter routes records by payload type
type TypeRouter struct {
	mu     sync.RWMutex
	routes map[string]Destination
}

// NewTypeRouter creates a router with no routes
func NewTypeRouter() *TypeRouter {
	return &TypeRouter{routes: make(map[string]Destination)}
}

// Add routes payloads of type t to dest
func (r *TypeRouter) Add(t message.Type, dest Destination) *TypeRouter {
	r.mu.Lock()
	r.routes[t.Key()] = dest
	r.mu.Unlock()
	return r
}

// Route implements Router. A missing route is a fatal error wrapping
// errors.ErrNoRoute.
func (r *TypeRouter) Route(rec message.Record) (Destination, error) {
	if rec.Value == nil {
		return Destination{}, errors.WrapFatal(
			fmt.Errorf("%w: record %q has no payload", errors.ErrNoRoute, rec.Key),
			"TypeRouter", "Route", "resolve destination")
	}

	t := rec.Value.Schema()
	r.mu.RLock()
	dest, ok := r.routes[t.Key()]
	r.mu.RUnlock()
	if !ok || dest.Sink == nil {
		return Destination{}, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrNoRoute, t),
			"TypeRouter", "Route", "resolve destination")
	}
	return dest, nil
}
