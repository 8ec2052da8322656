package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/c360/sessionflow/cleanup"
	"github.com/c360/sessionflow/config"
	"github.com/c360/sessionflow/flowmapper"
	"github.com/c360/sessionflow/health"
	"github.com/c360/sessionflow/identity"
	"github.com/c360/sessionflow/lifecycle"
	"github.com/c360/sessionflow/mediator"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/metric"
	"github.com/c360/sessionflow/pkg/retry"
	"github.com/c360/sessionflow/statestore"
)

// app is the wired process: a supervision tree over the mapper mediator, the
// cleanup pipeline and the metrics endpoint
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	transport *transport
	store     statestore.Store
	aliases   *identity.AliasCache
	tree      *lifecycle.Tree
	closers   []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		aliases:  identity.NewAliasCache(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.transport, err = openTransport(ctx, cfg, logger, a.registry)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.transport.Close)

	var closeStore func(context.Context) error
	a.store, closeStore, err = openStore(ctx, cfg, a.transport, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	if err := a.aliases.WithMetrics(a.registry); err != nil {
		return nil, err
	}

	mapperNode, err := a.mapper(ctx)
	if err != nil {
		return nil, err
	}
	cleanupNode, err := a.cleanup(ctx)
	if err != nil {
		return nil, err
	}

	children := []*lifecycle.Node{mapperNode, cleanupNode}
	if cfg.Metrics.Enabled {
		children = append(children, lifecycle.NewNode("metrics", a.metricsServer().Run))
	}
	a.tree = lifecycle.NewTree(lifecycle.Group(appName, children...),
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(a.registry.CoreMetrics()))
	return a, nil
}

func (a *app) mapper(ctx context.Context) (*lifecycle.Node, error) {
	processor, err := flowmapper.NewProcessor(
		flowmapper.Config{P2PTTL: a.cfg.Mapper.P2PTTL},
		a.aliases,
		flowmapper.WithLogger(a.logger),
		flowmapper.WithMetrics(a.registry),
	)
	if err != nil {
		return nil, fmt.Errorf("create flow mapper: %w", err)
	}

	router := mediator.NewTypeRouter().
		Add(flowmapper.P2POutType, mediator.Destination{Sink: a.transport.sink, Topic: a.cfg.Mapper.P2POutTopic}).
		Add(flowmapper.FlowEventType, mediator.Destination{Sink: a.transport.sink, Topic: a.cfg.Mapper.FlowEventTopic})

	sources := make([]message.Source, 0, len(a.cfg.Mapper.InputTopics))
	for i, topic := range a.cfg.Mapper.InputTopics {
		src, err := a.transport.source(ctx, fmt.Sprintf("mapper-%d", i), topic)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	mcfg := mediator.DefaultConfig("flow-mapper")
	mcfg.ThreadCount = a.cfg.Mediator.ThreadCount
	mcfg.PollBatchSize = a.cfg.Mediator.PollBatchSize
	mcfg.MaxPending = a.cfg.Mediator.MaxPending
	mcfg.StoreTimeout = a.cfg.Mediator.StoreTimeout
	mcfg.ShutdownTimeout = a.cfg.Mediator.ShutdownTimeout
	mcfg.Retry = retry.Delays(a.cfg.Mediator.MaxAttempts, a.cfg.Mediator.WaitBetweenAttempts...)

	med, err := mediator.New[flowmapper.State](mcfg, a.store, processor, router, sources,
		mediator.WithLogger[flowmapper.State](a.logger),
		mediator.WithMetrics[flowmapper.State](a.registry),
		mediator.WithFailureHandler[flowmapper.State](a.reportFailure),
	)
	if err != nil {
		return nil, fmt.Errorf("create mediator: %w", err)
	}
	return lifecycle.NewNode("mapper", med.Run), nil
}

func (a *app) reportFailure(_ context.Context, rec message.Record, err error) {
	a.logger.Error("Mapper record failed",
		"component", "flow-mapper",
		"topic", rec.Topic,
		"key", rec.Key,
		"error", err)
}

func (a *app) cleanup(ctx context.Context) (*lifecycle.Node, error) {
	metrics, err := cleanup.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	task, err := cleanup.NewTask(cleanup.TaskConfig{
		TaskName:  a.cfg.Cleanup.TaskName,
		Window:    a.cfg.Cleanup.Window,
		BatchSize: a.cfg.Cleanup.BatchSize,
	}, a.store, cleanup.WithTaskLogger(a.logger), cleanup.WithTaskMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("create cleanup task: %w", err)
	}

	scheduler, err := cleanup.NewScheduler(a.cfg.Cleanup.TaskName, a.cfg.Cleanup.Interval,
		cleanup.TriggerJob(a.transport.sink, a.cfg.Cleanup.TriggerTopic, a.cfg.Cleanup.TaskName),
		cleanup.WithSchedulerLogger(a.logger),
		cleanup.WithSchedulerMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	triggers, err := a.transport.source(ctx, "cleanup-triggers", a.cfg.Cleanup.TriggerTopic)
	if err != nil {
		return nil, err
	}
	commands, err := a.transport.source(ctx, "cleanup-commands", a.cfg.Cleanup.CommandTopic)
	if err != nil {
		return nil, err
	}

	rcfg := cleanup.DefaultRunnerConfig()
	rcfg.Retry = retry.Delays(a.cfg.Mediator.MaxAttempts, a.cfg.Mediator.WaitBetweenAttempts...)
	taskRunner := cleanup.NewTaskRunner(rcfg, task, triggers, a.transport.sink, a.cfg.Cleanup.CommandTopic, a.logger)
	commandRunner := cleanup.NewCommandRunner(rcfg, cleanup.NewProcessor(a.store, a.logger, metrics,
		cleanup.WithCommandRate(a.cfg.Cleanup.MaxCommandsPerSecond, a.cfg.Cleanup.CommandBurst)), commands, a.logger)

	return lifecycle.Group("cleanup",
		lifecycle.NewNode("scheduler", scheduler.Run),
		lifecycle.NewNode("task-runner", taskRunner.Run),
		lifecycle.NewNode("command-runner", commandRunner.Run),
	), nil
}

func (a *app) metricsServer() *metric.Server {
	return metric.NewServer(a.cfg.Metrics.Addr, a.cfg.Metrics.Path, a.registry).
		WithHealth(a.health)
}

// health is the tree's status with the broker connection next to the nodes
func (a *app) health() health.Status {
	st := a.tree.Health()
	conn, ok := a.transport.health()
	if !ok {
		return st
	}
	return health.Aggregate(st, append(st.SubStatuses, conn))
}

// Run runs the tree until ctx is cancelled or a node fails
func (a *app) Run(ctx context.Context) error {
	return a.tree.Run(ctx)
}

// Close releases the store and transport in reverse order of opening
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}
