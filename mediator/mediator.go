package mediator

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/metric"
	"github.com/c360/sessionflow/pkg/retry"
	"github.com/c360/sessionflow/pkg/worker"
	"github.com/c360/sessionflow/statestore"
)

// Config configures a Mediator
type Config struct {
	// Name identifies the mediator in logs and metrics
	Name string

	// ThreadCount is the number of workers processing keys
	ThreadCount int

	// PollBatchSize is the maximum number of deliveries taken per poll
	PollBatchSize int

	// MaxPending bounds the deliveries taken from sources and not yet settled
	MaxPending int

	// StoreTimeout bounds every state store call
	StoreTimeout time.Duration

	// Retry governs both the process-and-persist phase and the publish phase
	Retry retry.Config

	// PollErrorBackoff is the pause after a failed poll
	PollErrorBackoff time.Duration

	// ShutdownTimeout bounds the drain of in-flight keys
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a config with the standard limits
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		ThreadCount:      4,
		PollBatchSize:    32,
		MaxPending:       1024,
		StoreTimeout:     5 * time.Second,
		Retry:            retry.Delays(3, 100*time.Millisecond, 500*time.Millisecond),
		PollErrorBackoff: time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Validate checks the config for values the mediator cannot run with
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: mediator name is required", errors.ErrMissingConfig)
	case c.ThreadCount <= 0:
		return fmt.Errorf("%w: thread count must be positive", errors.ErrInvalidConfig)
	case c.PollBatchSize <= 0:
		return fmt.Errorf("%w: poll batch size must be positive", errors.ErrInvalidConfig)
	case c.MaxPending < c.PollBatchSize:
		return fmt.Errorf("%w: max pending must be at least the poll batch size", errors.ErrInvalidConfig)
	case c.StoreTimeout < 0 || c.ShutdownTimeout < 0 || c.PollErrorBackoff < 0:
		return fmt.Errorf("%w: durations cannot be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// FailureHandler is told each time a record uses up its retries, and about
// records that can never be applied. A record that may still succeed keeps
// its key held and is tried again after a backoff.
type FailureHandler func(ctx context.Context, rec message.Record, err error)

// Option configures a Mediator
type Option[S any] func(*Mediator[S])

// WithLogger sets the logger
func WithLogger[S any](logger *slog.Logger) Option[S] {
	return func(m *Mediator[S]) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics registers mediator and worker pool metrics in registry
func WithMetrics[S any](registry *metric.MetricsRegistry) Option[S] {
	return func(m *Mediator[S]) {
		m.registry = registry
	}
}

// WithFailureHandler sets the handler for records whose retries are exhausted
func WithFailureHandler[S any](fn FailureHandler) Option[S] {
	return func(m *Mediator[S]) {
		m.onFailure = fn
	}
}

// WithStateCodec replaces the JSON state codec
func WithStateCodec[S any](codec StateCodec[S]) Option[S] {
	return func(m *Mediator[S]) {
		if codec != nil {
			m.codec = codec
		}
	}
}

// Mediator consumes records from several sources sharing one key space and
// applies them to the stored state of their key. At most one record per key
// is in flight at any time, records of a key are applied in arrival order,
// and output records are published only after the new state is persisted.
type Mediator[S any] struct {
	cfg       Config
	store     statestore.Store
	processor Processor[S]
	router    Router
	sources   []message.Source
	codec     StateCodec[S]
	onFailure FailureHandler
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	metrics   *mediatorMetrics

	// pending limits deliveries held between poll and settlement
	pending *semaphore.Weighted

	// queues holds the waiting deliveries of every key owned by a worker.
	// A key present in the map is owned even when its queue is empty.
	mu      sync.Mutex
	queues  map[string][]message.Delivery
	waiting int

	fatal   chan error
	running atomic.Bool

	// stopping is closed when Run stops polling. Workers holding a key on a
	// failing record let go of it then.
	stopping <-chan struct{}
}

// New creates a mediator over sources. Output records are routed by router;
// the state of each key lives in store.
func New[S any](
	cfg Config,
	store statestore.Store,
	processor Processor[S],
	router Router,
	sources []message.Source,
	opts ...Option[S],
) (*Mediator[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "Mediator", "New", "validate config")
	}
	if store == nil || processor == nil || router == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: store, processor and router are required", errors.ErrMissingConfig),
			"Mediator", "New", "validate dependencies")
	}
	if len(sources) == 0 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: at least one source is required", errors.ErrMissingConfig),
			"Mediator", "New", "validate dependencies")
	}

	m := &Mediator[S]{
		cfg:       cfg,
		store:     store,
		processor: processor,
		router:    router,
		sources:   sources,
		codec:     JSONCodec[S]{},
		logger:    slog.Default(),
		pending:   semaphore.NewWeighted(int64(cfg.MaxPending)),
		queues:    make(map[string][]message.Delivery),
		fatal:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mediator", "mediator", cfg.Name)

	if m.registry != nil {
		metrics, err := newMediatorMetrics(m.registry, cfg.Name)
		if err != nil {
			return nil, errors.Wrap(err, "Mediator", "New", "register metrics")
		}
		m.metrics = metrics
	}
	return m, nil
}

// Run polls the sources until ctx is cancelled or a fatal error occurs, then
// drains the keys already taken. It returns nil on a clean shutdown and the
// fatal error otherwise.
func (m *Mediator[S]) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Mediator", "Run", "start")
	}
	defer m.running.Store(false)

	var poolOpts []worker.Option[string]
	if m.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[string](m.registry, "sessionflow_mediator_"+m.cfg.Name+"_pool"))
	}
	pool := worker.NewPool(m.cfg.ThreadCount, m.cfg.MaxPending, m.processKey, poolOpts...)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	m.stopping = runCtx.Done()

	// Workers outlive ctx so that keys already taken are drained on shutdown.
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	if err := pool.Start(poolCtx); err != nil {
		return errors.WrapFatal(err, "Mediator", "Run", "start worker pool")
	}
	m.metrics.setWorkers(WorkerPolling, m.cfg.ThreadCount)

	go func() {
		select {
		case err := <-m.fatal:
			cancel(err)
		case <-runCtx.Done():
		}
	}()

	m.logger.Info("Mediator started",
		"sources", len(m.sources),
		"thread_count", m.cfg.ThreadCount,
		"max_pending", m.cfg.MaxPending)

	g, gctx := errgroup.WithContext(runCtx)
	for i, src := range m.sources {
		g.Go(func() error {
			return m.poll(gctx, pool, i, src)
		})
	}
	pollErr := g.Wait()
	cancel(nil)

	m.logger.Info("Draining in-flight keys", "waiting", m.waitingCount())
	if err := pool.Stop(m.cfg.ShutdownTimeout); err != nil {
		cancelPool()
		m.logger.Warn("Drain did not finish in time", "timeout", m.cfg.ShutdownTimeout, "error", err)
	}

	if cause := context.Cause(runCtx); cause != nil &&
		!stderrors.Is(cause, context.Canceled) && !stderrors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	select {
	case err := <-m.fatal:
		return err
	default:
	}
	if pollErr != nil {
		return pollErr
	}
	m.logger.Info("Mediator stopped")
	return nil
}

func (m *Mediator[S]) poll(ctx context.Context, pool *worker.Pool[string], idx int, src message.Source) error {
	for {
		deliveries, err := src.Poll(ctx, m.cfg.PollBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if stderrors.Is(err, errors.ErrShuttingDown) {
				m.logger.Info("Source closed", "source", idx)
				return nil
			}
			m.logger.Warn("Poll failed", "source", idx, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.cfg.PollErrorBackoff):
			}
			continue
		}

		// Records already taken are handed over even during shutdown; the
		// drain processes them.
		handoff := context.WithoutCancel(ctx)
		for i, d := range deliveries {
			if err := m.pending.Acquire(handoff, 1); err != nil {
				m.release(deliveries[i:])
				return nil
			}
			if err := m.enqueue(handoff, pool, d); err != nil {
				m.release(deliveries[i+1:])
				return nil
			}
		}
	}
}

// enqueue appends d to its key's queue and hands the key to a worker unless
// one already owns it.
func (m *Mediator[S]) enqueue(ctx context.Context, pool *worker.Pool[string], d message.Delivery) error {
	key := d.Record.Key

	m.mu.Lock()
	q, owned := m.queues[key]
	m.queues[key] = append(q, d)
	m.waiting++
	m.metrics.setInflight(len(m.queues), m.waiting)
	m.mu.Unlock()

	if owned {
		return nil
	}
	if err := pool.SubmitWait(ctx, key); err != nil {
		m.mu.Lock()
		abandoned := m.queues[key]
		delete(m.queues, key)
		m.waiting -= len(abandoned)
		m.metrics.setInflight(len(m.queues), m.waiting)
		m.mu.Unlock()

		m.release(abandoned)
		m.pending.Release(int64(len(abandoned)))
		return err
	}
	return nil
}

// release hands deliveries back to their source for redelivery
func (m *Mediator[S]) release(deliveries []message.Delivery) {
	for _, d := range deliveries {
		if err := d.Nak(context.Background(), 0); err != nil {
			m.logger.Warn("Nak failed", "key", d.Record.Key, "topic", d.Record.Topic, "error", err)
		}
	}
}

func (m *Mediator[S]) waitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// next pops the oldest delivery of key. When the queue is empty the key is
// released and ok is false.
func (m *Mediator[S]) next(key string) (message.Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[key]
	if len(q) == 0 {
		delete(m.queues, key)
		m.metrics.setInflight(len(m.queues), m.waiting)
		return message.Delivery{}, false
	}
	d := q[0]
	q[0] = message.Delivery{}
	m.queues[key] = q[1:]
	m.waiting--
	m.metrics.setInflight(len(m.queues), m.waiting)
	return d, true
}

// processKey runs on a pool worker and applies every queued record of key in
// order. A record that cannot be applied holds the key, so the records queued
// behind it wait. When the worker gives up on a held record the rest of the
// key's queue is handed back to the sources in order.
func (m *Mediator[S]) processKey(ctx context.Context, key string) error {
	tr := &stateTracker{metrics: m.metrics, state: WorkerPolling}
	defer tr.to(WorkerPolling)

	for {
		d, ok := m.next(key)
		if !ok {
			return nil
		}
		err := m.handle(ctx, d, tr)
		m.pending.Release(1)
		if err != nil && !errors.IsInvalid(err) {
			m.abandon(key)
			return err
		}
	}
}

// abandon releases key and naks its queued deliveries in arrival order
func (m *Mediator[S]) abandon(key string) {
	m.mu.Lock()
	queued := m.queues[key]
	delete(m.queues, key)
	m.waiting -= len(queued)
	m.metrics.setInflight(len(m.queues), m.waiting)
	m.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	m.logger.Warn("Handing queued records back", "key", key, "records", len(queued))
	m.release(queued)
	m.pending.Release(int64(len(queued)))
}

type stagedRecord struct {
	rec  message.Record
	sink message.Sink
}

// handle applies one delivery and settles it. It returns an error only when
// the delivery was not committed; the delivery is nakked in that case.
func (m *Mediator[S]) handle(ctx context.Context, d message.Delivery, tr *stateTracker) error {
	start := time.Now()
	rec := d.Record

	var staged []stagedRecord
	err := m.hold(ctx, d, "process", m.stopping, tr, func() error {
		tr.to(WorkerProcessing)
		out, err := m.apply(ctx, rec, tr)
		if err != nil {
			return err
		}
		staged = out
		return nil
	})
	if err != nil {
		m.fail(d, err, start, tr)
		return err
	}

	// The state is committed. From here on only the staged outputs are
	// retried; a redelivery would run the processor against the new state
	// and lose them.
	if len(staged) > 0 {
		err = m.hold(ctx, d, "publish", nil, tr, func() error {
			tr.to(WorkerCommitting)
			var perr error
			staged, perr = m.publish(ctx, staged)
			return perr
		})
		if err != nil {
			m.logger.Error("Committed outputs not published",
				"key", rec.Key,
				"topic", rec.Topic,
				"unpublished", len(staged),
				"error", err)
			m.fail(d, err, start, tr)
			return err
		}
	}

	if ackErr := d.Ack(ctx); ackErr != nil {
		m.logger.Warn("Ack failed", "key", rec.Key, "topic", rec.Topic, "error", ackErr)
	}
	m.metrics.recordOutcome(outcomeCommitted, time.Since(start))
	m.logger.Debug("Record committed", "key", rec.Key, "topic", rec.Topic)
	return nil
}

// hold runs attempt under the retry policy until it succeeds. Each time the
// attempts run out the failure handler is told, the worker backs off and the
// same record is tried again. hold gives up on fatal and invalid errors, when
// ctx ends or when stop is closed.
func (m *Mediator[S]) hold(
	ctx context.Context, d message.Delivery, phase string, stop <-chan struct{},
	tr *stateTracker, attempt func() error,
) error {
	rec := d.Record
	for {
		err := retry.Do(ctx, m.retryConfig(phase, rec, tr), attempt)
		if err == nil {
			return nil
		}
		if stderrors.Is(err, errors.ErrNoRoute) || errors.IsFatal(err) || errors.IsInvalid(err) || ctx.Err() != nil {
			return err
		}

		tr.to(WorkerErrorBackoff)
		m.metrics.recordBackoff(phase)
		m.logger.Error("Record failed after retries, holding key",
			"phase", phase,
			"key", rec.Key,
			"topic", rec.Topic,
			"max_attempts", m.cfg.Retry.MaxAttempts,
			"error", err)
		if m.onFailure != nil {
			m.onFailure(ctx, rec, err)
		}
		if perr := d.InProgress(ctx); perr != nil {
			m.logger.Debug("Progress signal failed", "key", rec.Key, "error", perr)
		}

		timer := time.NewTimer(m.cfg.Retry.Delay(m.cfg.Retry.MaxAttempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WrapTransient(ctx.Err(), "Mediator", "hold", "back off "+phase)
		case <-stop:
			timer.Stop()
			return errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrShuttingDown, err),
				"Mediator", "hold", "back off "+phase)
		case <-timer.C:
		}
	}
}

func (m *Mediator[S]) retryConfig(phase string, rec message.Record, tr *stateTracker) retry.Config {
	cfg := m.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		tr.to(WorkerErrorBackoff)
		m.metrics.recordRetry(phase)
		m.logger.Warn("Attempt failed, retrying",
			"phase", phase,
			"key", rec.Key,
			"topic", rec.Topic,
			"attempt", attempt,
			"error", err)
	}
	return cfg
}

// apply reads the current state of the record's key, runs the processor,
// routes its outputs and persists the new state. It stages the routed outputs
// for publishing.
func (m *Mediator[S]) apply(ctx context.Context, rec message.Record, tr *stateTracker) ([]stagedRecord, error) {
	current, err := m.load(ctx, rec.Key)
	if err != nil {
		return nil, err
	}

	var input *StateAndMeta[S]
	if current != nil {
		s, err := m.codec.Unmarshal(current.Value)
		if err != nil {
			return nil, retry.NonRetryable(errors.WrapInvalid(err, "Mediator", "apply", "decode state"))
		}
		input = &StateAndMeta[S]{State: s, Metadata: current.Metadata.Clone()}
	}

	resp, err := m.processor.OnNext(input, rec)
	if err != nil {
		if errors.IsFatal(err) || errors.IsInvalid(err) {
			return nil, retry.NonRetryable(err)
		}
		return nil, errors.WrapTransient(err, "Mediator", "apply", "process record")
	}

	staged := make([]stagedRecord, 0, len(resp.ResponseEvents))
	for _, out := range resp.ResponseEvents {
		dest, err := m.router.Route(out)
		if err != nil {
			return nil, retry.NonRetryable(err)
		}
		if dest.Topic != "" {
			out.Topic = dest.Topic
		}
		if out.Timestamp.IsZero() {
			out.Timestamp = time.Now().UTC()
		}
		staged = append(staged, stagedRecord{rec: out, sink: dest.Sink})
	}

	tr.to(WorkerCommitting)
	if err := m.persist(ctx, rec.Key, current, resp.UpdatedState); err != nil {
		return nil, err
	}
	return staged, nil
}

func (m *Mediator[S]) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

func (m *Mediator[S]) storeError(ctx context.Context, err error, method string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", errors.ErrStoreTimeout, err)
	}
	return errors.WrapTransient(err, "Mediator", method, "state store call")
}

func (m *Mediator[S]) load(ctx context.Context, key string) (*statestore.State, error) {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	states, err := m.store.Get(sctx, []string{key})
	if err != nil {
		return nil, m.storeError(sctx, err, "load")
	}
	st, ok := states[key]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// persist writes next over current with a version check. A nil next deletes
// the state. Unchanged states are not rewritten.
func (m *Mediator[S]) persist(ctx context.Context, key string, current *statestore.State, next *StateAndMeta[S]) error {
	if next == nil && current == nil {
		return nil
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()

	if next == nil {
		failed, err := m.store.Delete(sctx, []statestore.State{{Key: key, Version: current.Version}})
		if err != nil {
			return m.storeError(sctx, err, "persist")
		}
		if winner, ok := failed[key]; ok {
			return conflict(key, current.Version, winner.Version)
		}
		return nil
	}

	value, err := m.codec.Marshal(next.State)
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "Mediator", "persist", "encode state"))
	}
	st := statestore.State{Key: key, Value: value, Metadata: next.Metadata}

	if current == nil {
		failed, err := m.store.Create(sctx, []statestore.State{st})
		if err != nil {
			return m.storeError(sctx, err, "persist")
		}
		if cerr, ok := failed[key]; ok {
			return errors.WrapTransient(
				fmt.Errorf("%w: key %q created concurrently: %w", errors.ErrVersionConflict, key, cerr),
				"Mediator", "persist", "create state")
		}
		return nil
	}

	if bytes.Equal(value, current.Value) && next.Metadata.Equal(current.Metadata) {
		return nil
	}
	st.Version = current.Version
	failed, err := m.store.Update(sctx, []statestore.State{st})
	if err != nil {
		return m.storeError(sctx, err, "persist")
	}
	if winner, ok := failed[key]; ok {
		return conflict(key, current.Version, winner.Version)
	}
	return nil
}

func conflict(key string, expected, actual int) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: key %q expected version %d, store has %d", errors.ErrVersionConflict, key, expected, actual),
		"Mediator", "persist", "write state")
}

// publish sends staged records in one batch per sink, keeping their relative
// order. On failure it returns the records not yet accepted by their sink.
func (m *Mediator[S]) publish(ctx context.Context, staged []stagedRecord) ([]stagedRecord, error) {
	var (
		order   []message.Sink
		batches = make(map[message.Sink][]message.Record)
	)
	for _, s := range staged {
		if _, ok := batches[s.sink]; !ok {
			order = append(order, s.sink)
		}
		batches[s.sink] = append(batches[s.sink], s.rec)
	}

	for i, sink := range order {
		records := batches[sink]
		if err := sink.Publish(ctx, records...); err != nil {
			var unsent []stagedRecord
			for _, s := range staged {
				if slices.Contains(order[i:], s.sink) {
					unsent = append(unsent, s)
				}
			}
			return unsent, errors.WrapTransient(err, "Mediator", "publish", "publish outputs")
		}
		for _, r := range records {
			m.metrics.recordPublished(r.Topic, 1)
		}
	}
	return nil, nil
}

// fail settles a delivery that was not committed. Routing and other fatal
// errors stop the mediator. Everything else is nakked for redelivery.
func (m *Mediator[S]) fail(d message.Delivery, err error, start time.Time, tr *stateTracker) {
	rec := d.Record
	tr.to(WorkerErrorBackoff)

	if stderrors.Is(err, errors.ErrNoRoute) || errors.IsFatal(err) {
		m.metrics.recordOutcome(outcomeFatal, time.Since(start))
		m.logger.Error("Fatal error, stopping mediator",
			"key", rec.Key,
			"topic", rec.Topic,
			"error", err)
		m.release([]message.Delivery{d})
		select {
		case m.fatal <- err:
		default:
		}
		return
	}

	m.metrics.recordOutcome(outcomeFailed, time.Since(start))

	// Records handed back on shutdown go first, ahead of the key's queue.
	var delay time.Duration
	if errors.IsInvalid(err) {
		m.logger.Error("Record cannot be applied",
			"key", rec.Key,
			"topic", rec.Topic,
			"error", err)
		if m.onFailure != nil {
			m.onFailure(context.Background(), rec, err)
		}
		delay = m.cfg.Retry.Delay(m.cfg.Retry.MaxAttempts)
	}
	if nakErr := d.Nak(context.Background(), delay); nakErr != nil {
		m.logger.Warn("Nak failed", "key", rec.Key, "topic", rec.Topic, "error", nakErr)
	}
}

// stateTracker follows one worker through its states for the worker gauge
type stateTracker struct {
	metrics *mediatorMetrics
	state   WorkerState
}

func (t *stateTracker) to(s WorkerState) {
	if t.state == s {
		return
	}
	t.metrics.transition(t.state, s)
	t.state = s
}
