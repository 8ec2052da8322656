package flowmapper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/identity"
	"github.com/c360/sessionflow/mediator"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/metric"
	"github.com/c360/sessionflow/statestore"
)

// Config configures the mapper
type Config struct {
	// P2PTTL is how old a session event may be and still be applied to an
	// open state
	P2PTTL time.Duration
}

// Option configures a Processor
type Option func(*Processor)

// WithClock sets the time source
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) {
		p.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithFlowIDs sets the generator of flow ids for responder flows and starts
// without a flow id
func WithFlowIDs(next func() string) Option {
	return func(p *Processor) {
		p.newFlowID = next
	}
}

// WithMetrics registers event counters in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Processor) {
		p.registry = registry
	}
}

// Processor is the mediator processor of the flow mapper
type Processor struct {
	cfg       Config
	aliases   *identity.AliasCache
	clock     func() time.Time
	logger    *slog.Logger
	newFlowID func() string
	registry  *metric.MetricsRegistry
	events    *prometheus.CounterVec
	exec      *executor
}

var _ mediator.Processor[State] = (*Processor)(nil)

// NewProcessor creates a mapper processor. aliases may be nil, in which case
// destinations are used as given.
func NewProcessor(cfg Config, aliases *identity.AliasCache, opts ...Option) (*Processor, error) {
	if cfg.P2PTTL < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: p2p ttl cannot be negative", errors.ErrInvalidConfig),
			"Processor", "New", "validate config")
	}

	p := &Processor{
		cfg:       cfg,
		aliases:   aliases,
		clock:     time.Now,
		logger:    slog.Default(),
		newFlowID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "flow-mapper")

	if p.registry != nil {
		p.events = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionflow",
			Subsystem: "flow_mapper",
			Name:      "events_total",
			Help:      "Mapper events by payload type and outcome",
		}, []string{"type", "outcome"})
		if err := p.registry.RegisterCounterVec("flow_mapper", "events", p.events); err != nil {
			return nil, err
		}
	}

	p.exec = &executor{aliases: aliases, newFlowID: p.newFlowID, logger: p.logger}
	return p, nil
}

// Execute runs the executor for ev against state without applying the
// dispatch policy
func (p *Processor) Execute(key string, state *State, ev Event, now time.Time) (Result, error) {
	return p.exec.execute(key, state, ev, now)
}

// OnNext implements mediator.Processor. Stale events and null records leave
// the state and its metadata untouched; executed events tag the metadata of
// the resulting state with its status.
func (p *Processor) OnNext(in *mediator.StateAndMeta[State], rec message.Record) (mediator.Response[State], error) {
	unchanged := mediator.Response[State]{UpdatedState: in}
	if rec.Value == nil {
		p.count("null", "ignored")
		return unchanged, nil
	}

	ev, ok := rec.Value.(Event)
	if !ok {
		p.count(rec.Value.Schema().String(), "rejected")
		return mediator.Response[State]{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownType, rec.Value.Schema()),
			"Processor", "OnNext", "dispatch record")
	}

	var current *State
	if in != nil {
		s := in.State
		current = &s
	}

	now := p.clock()
	eventType := ev.Schema().Category
	if !p.shouldProcess(current, ev, rec.Timestamp, now) {
		p.count(eventType, "expired")
		p.logger.Debug("Dropping stale event",
			"key", rec.Key,
			"event", eventType,
			"status", current.Status)
		return unchanged, nil
	}

	res, err := p.exec.execute(rec.Key, current, ev, now)
	if err != nil {
		p.count(eventType, "rejected")
		return mediator.Response[State]{}, err
	}
	p.count(eventType, "executed")

	out := mediator.Response[State]{ResponseEvents: res.Outputs}
	if res.State != nil {
		var md statestore.Metadata
		if in != nil {
			md = in.Metadata
		}
		out.UpdatedState = &mediator.StateAndMeta[State]{
			State:    *res.State,
			Metadata: tagged(md, res.State),
		}
	}
	return out, nil
}

// shouldProcess applies the dispatch policy. Cleanup events always run, as
// does anything for a key without state. Open states drop session traffic
// older than the P2P TTL; closing and failed states drop anything stamped
// before now.
func (p *Processor) shouldProcess(state *State, ev Event, recordTime, now time.Time) bool {
	switch ev.(type) {
	case *ScheduleCleanup, *ExecuteCleanup:
		return true
	}
	if state == nil {
		return true
	}

	ts := eventTime(ev, recordTime, now)
	switch state.Status {
	case StatusOpen:
		return p.cfg.P2PTTL == 0 || now.Sub(ts) <= p.cfg.P2PTTL
	case StatusClosing, StatusError:
		return !ts.Before(now)
	}
	return true
}

// eventTime is the creation time carried by the event, falling back to the
// record timestamp and then to now
func eventTime(ev Event, recordTime, now time.Time) time.Time {
	var ts time.Time
	switch e := ev.(type) {
	case *SessionEvent:
		ts = e.Timestamp
	case *StartFlow:
		ts = e.Timestamp
	}
	switch {
	case !ts.IsZero():
		return ts
	case !recordTime.IsZero():
		return recordTime
	}
	return now
}

func (p *Processor) count(eventType, outcome string) {
	if p.events == nil {
		return
	}
	p.events.WithLabelValues(eventType, outcome).Inc()
}
