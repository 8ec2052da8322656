package cleanup

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/flowmapper"
	"github.com/c360/sessionflow/statestore"
)

// Processor applies cleanup commands to the state store
type Processor struct {
	store   statestore.Store
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithCommandRate caps the commands applied per second. Zero or less means
// no cap.
func WithCommandRate(perSecond float64, burst int) ProcessorOption {
	return func(p *Processor) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewProcessor creates a cleanup processor. logger and metrics may be nil.
func NewProcessor(store statestore.Store, logger *slog.Logger, metrics *Metrics, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:   store,
		logger:  logger.With("component", "cleanup-processor"),
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process deletes the states named by cmd at the versions currently stored.
// Missing keys are skipped. States that change between the read and the
// delete are left in place and only logged; a later run picks them up if
// they are still expired. It returns the number of states deleted.
func (p *Processor) Process(ctx context.Context, cmd *flowmapper.ExecuteCleanup) (int, error) {
	if cmd == nil || len(cmd.IDs) == 0 {
		return 0, nil
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, errors.WrapTransient(err, "Processor", "Process", "wait for rate limit")
		}
	}

	current, err := p.store.Get(ctx, cmd.IDs)
	if err != nil {
		return 0, errors.WrapTransient(err, "Processor", "Process", "read states")
	}
	if len(current) == 0 {
		p.logger.Debug("Nothing to delete", "requested", len(cmd.IDs))
		return 0, nil
	}

	states := make([]statestore.State, 0, len(current))
	for _, id := range cmd.IDs {
		if st, ok := current[id]; ok {
			states = append(states, st)
		}
	}

	failed, err := p.store.Delete(ctx, states)
	if err != nil {
		return 0, errors.WrapTransient(err, "Processor", "Process", "delete states")
	}
	for key, st := range failed {
		p.logger.Warn("State changed before cleanup, leaving it",
			"key", key,
			"version", st.Version)
	}

	deleted := len(states) - len(failed)
	p.metrics.recordDeleted(deleted, len(failed))
	p.logger.Debug("Cleanup applied",
		"requested", len(cmd.IDs),
		"deleted", deleted,
		"conflicts", len(failed))
	return deleted, nil
}
