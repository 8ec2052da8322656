package cleanup

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/flowmapper"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/pkg/retry"
)

// RunnerConfig configures the loop shared by the runners
type RunnerConfig struct {
	PollBatchSize    int
	PollErrorBackoff time.Duration
	Retry            retry.Config
}

// DefaultRunnerConfig returns the standard runner settings
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollBatchSize:    16,
		PollErrorBackoff: time.Second,
		Retry:            retry.Delays(3, 200*time.Millisecond, time.Second),
	}
}

// consume polls src and hands every delivery to handle. Deliveries are acked
// when handle succeeds and nakked with the last retry wait otherwise.
func consume(ctx context.Context, cfg RunnerConfig, src message.Source, logger *slog.Logger,
	handle func(context.Context, message.Record) error,
) error {
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 1
	}
	for {
		deliveries, err := src.Poll(ctx, cfg.PollBatchSize)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, errors.ErrShuttingDown) {
				return nil
			}
			logger.Warn("Poll failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.PollErrorBackoff):
			}
			continue
		}

		for _, d := range deliveries {
			if err := handle(ctx, d.Record); err != nil {
				logger.Error("Record failed",
					"key", d.Record.Key,
					"topic", d.Record.Topic,
					"error", err)
				delay := cfg.Retry.Delay(cfg.Retry.MaxAttempts)
				if nakErr := d.Nak(context.WithoutCancel(ctx), delay); nakErr != nil {
					logger.Warn("Nak failed", "key", d.Record.Key, "error", nakErr)
				}
				continue
			}
			if ackErr := d.Ack(ctx); ackErr != nil {
				logger.Warn("Ack failed", "key", d.Record.Key, "error", ackErr)
			}
		}
	}
}

// TaskRunner answers scheduler triggers with cleanup commands
type TaskRunner struct {
	cfg    RunnerConfig
	task   *Task
	source message.Source
	sink   message.Sink
	topic  string
	logger *slog.Logger
}

// NewTaskRunner creates a runner reading triggers from source and publishing
// commands to topic on sink
func NewTaskRunner(cfg RunnerConfig, task *Task, source message.Source, sink message.Sink, topic string, logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{
		cfg:    cfg,
		task:   task,
		source: source,
		sink:   sink,
		topic:  topic,
		logger: logger.With("component", "cleanup-task-runner"),
	}
}

// Run consumes triggers until ctx is cancelled or the source closes
func (r *TaskRunner) Run(ctx context.Context) error {
	return consume(ctx, r.cfg, r.source, r.logger, r.handle)
}

func (r *TaskRunner) handle(ctx context.Context, rec message.Record) error {
	trigger, ok := rec.Value.(*ScheduledTaskTrigger)
	if !ok {
		r.logger.Debug("Ignoring record that is not a trigger", "key", rec.Key)
		return nil
	}

	commands, err := retry.DoWithResult(ctx, r.cfg.Retry, func() ([]message.Record, error) {
		return r.task.Process(ctx, trigger)
	})
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return nil
	}

	for i := range commands {
		commands[i].Topic = r.topic
	}
	return retry.Do(ctx, r.cfg.Retry, func() error {
		return r.sink.Publish(ctx, commands...)
	})
}

// CommandRunner applies cleanup commands
type CommandRunner struct {
	cfg       RunnerConfig
	processor *Processor
	source    message.Source
	logger    *slog.Logger
}

// NewCommandRunner creates a runner applying the commands read from source
func NewCommandRunner(cfg RunnerConfig, processor *Processor, source message.Source, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{
		cfg:       cfg,
		processor: processor,
		source:    source,
		logger:    logger.With("component", "cleanup-command-runner"),
	}
}

// Run consumes commands until ctx is cancelled or the source closes
func (r *CommandRunner) Run(ctx context.Context) error {
	return consume(ctx, r.cfg, r.source, r.logger, r.handle)
}

func (r *CommandRunner) handle(ctx context.Context, rec message.Record) error {
	cmd, ok := rec.Value.(*flowmapper.ExecuteCleanup)
	if !ok {
		r.logger.Debug("Ignoring record that is not a cleanup command", "key", rec.Key)
		return nil
	}
	return retry.Do(ctx, r.cfg.Retry, func() error {
		_, err := r.processor.Process(ctx, cmd)
		return err
	})
}
