package message

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/sessionflow/errors"
)

// PayloadFactory creates an empty payload ready to be decoded into
type PayloadFactory func() Payload

// PayloadRegistry maps payload types to their factories
type PayloadRegistry struct {
	factories map[string]PayloadFactory
	mu        sync.RWMutex
}

// DefaultRegistry holds the payloads registered by sessionflow packages
var DefaultRegistry = NewPayloadRegistry()

// NewPayloadRegistry creates a new empty payload registry
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{
		factories: make(map[string]PayloadFactory),
	}
}

// Register adds a payload factory. Registering a type twice is an error.
func (pr *PayloadRegistry) Register(t Type, factory PayloadFactory) error {
	if !t.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PayloadRegistry", "Register", "type validation")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PayloadRegistry", "Register", "factory function validation")
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	if _, exists := pr.factories[t.Key()]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("payload type '%s' is already registered", t.Key()),
			"PayloadRegistry", "Register", "duplicate payload check")
	}

	pr.factories[t.Key()] = factory
	return nil
}

// Create returns a new payload of the given type, or nil if it is unknown
func (pr *PayloadRegistry) Create(t Type) Payload {
	pr.mu.RLock()
	factory, exists := pr.factories[t.Key()]
	pr.mu.RUnlock()

	if !exists {
		return nil
	}
	return factory()
}

// Types lists the registered type keys in sorted order
func (pr *PayloadRegistry) Types() []string {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	keys := make([]string, 0, len(pr.factories))
	for k := range pr.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MustRegister registers a payload with DefaultRegistry and panics on error.
// Intended for init functions.
func MustRegister(t Type, factory PayloadFactory) {
	if err := DefaultRegistry.Register(t, factory); err != nil {
		panic(err)
	}
}
