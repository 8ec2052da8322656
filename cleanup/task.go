package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/flowmapper"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/statestore"
)

// TriggerType is the payload type of scheduler triggers
var TriggerType = message.Type{Domain: "scheduler", Category: "trigger", Version: "v1"}

func init() {
	message.MustRegister(TriggerType, func() message.Payload { return &ScheduledTaskTrigger{} })
}

// ScheduledTaskTrigger fires a named periodic task
type ScheduledTaskTrigger struct {
	TaskName    string    `json:"taskName"`
	TriggerTime time.Time `json:"triggerTime"`
}

// Schema implements message.Payload
func (*ScheduledTaskTrigger) Schema() message.Type { return TriggerType }

// TaskConfig configures the cleanup task
type TaskConfig struct {
	// TaskName is the trigger name the task answers to
	TaskName string

	// Window is how long a state must have been unmodified to be removed
	Window time.Duration

	// BatchSize caps the ids per command. Zero or less means one command.
	BatchSize int

	// StatusKey and Statuses select the states to remove. They default to
	// the flow-mapper status tag and its CLOSING and ERROR values.
	StatusKey string
	Statuses  []string
}

// Task finds expired states and batches their keys into cleanup commands
type Task struct {
	cfg     TaskConfig
	store   statestore.Store
	clock   func() time.Time
	logger  *slog.Logger
	metrics *Metrics
	filters []statestore.MetadataFilter
}

// TaskOption configures a Task
type TaskOption func(*Task)

// WithTaskClock sets the time used when a trigger carries none
func WithTaskClock(clock func() time.Time) TaskOption {
	return func(t *Task) {
		t.clock = clock
	}
}

// WithTaskLogger sets the logger
func WithTaskLogger(logger *slog.Logger) TaskOption {
	return func(t *Task) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTaskMetrics sets the metrics the task reports to
func WithTaskMetrics(m *Metrics) TaskOption {
	return func(t *Task) {
		t.metrics = m
	}
}

// NewTask creates the cleanup task
func NewTask(cfg TaskConfig, store statestore.Store, opts ...TaskOption) (*Task, error) {
	if cfg.TaskName == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: task name is required", errors.ErrMissingConfig),
			"Task", "New", "validate config")
	}
	if cfg.Window < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: window cannot be negative", errors.ErrInvalidConfig),
			"Task", "New", "validate config")
	}
	if store == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: state store is required", errors.ErrMissingConfig),
			"Task", "New", "validate config")
	}
	if cfg.StatusKey == "" {
		cfg.StatusKey = flowmapper.MetadataStatusKey
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = flowmapper.CleanupStatuses()
	}

	t := &Task{
		cfg:    cfg,
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "cleanup-task", "task", cfg.TaskName)

	for _, status := range cfg.Statuses {
		t.filters = append(t.filters, statestore.MetadataFilter{
			Key:       cfg.StatusKey,
			Operation: statestore.Equals,
			Value:     status,
		})
	}
	return t, nil
}

// Process answers a trigger. Triggers for other tasks are ignored. The
// returned command records have no topic.
func (t *Task) Process(ctx context.Context, trigger *ScheduledTaskTrigger) ([]message.Record, error) {
	if trigger == nil || trigger.TaskName != t.cfg.TaskName {
		return nil, nil
	}

	now := trigger.TriggerTime
	if now.IsZero() {
		now = t.clock()
	}
	return t.Run(ctx, now)
}

// Run emits one ExecuteCleanup command per batch of states that were last
// modified strictly before now minus the window.
func (t *Task) Run(ctx context.Context, now time.Time) ([]message.Record, error) {
	cutoff := statestore.StampTime(now).Add(-t.cfg.Window - time.Millisecond)

	states, err := t.store.FindUpdatedBetweenWithMetadataMatchingAny(ctx,
		statestore.IntervalFilter{End: cutoff}, t.filters)
	if err != nil {
		return nil, errors.WrapTransient(err, "Task", "Run", "find expired states")
	}
	if len(states) == 0 {
		t.logger.Debug("No expired states", "cutoff", cutoff)
		return nil, nil
	}

	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var records []message.Record
	for _, batch := range Batches(keys, t.cfg.BatchSize) {
		records = append(records, message.Record{
			Key:       uuid.NewString(),
			Value:     &flowmapper.ExecuteCleanup{IDs: batch},
			Timestamp: now,
		})
	}

	t.metrics.recordExpired(len(keys), len(records))
	t.logger.Info("Expired states found",
		"states", len(keys),
		"commands", len(records),
		"cutoff", cutoff)
	return records, nil
}

// Batches splits keys into consecutive batches of at most size keys. A size
// of zero or less yields a single batch.
func Batches(keys []string, size int) [][]string {
	if len(keys) == 0 {
		return nil
	}
	if size <= 0 || size >= len(keys) {
		return [][]string{slices.Clone(keys)}
	}
	out := make([][]string, 0, (len(keys)+size-1)/size)
	for chunk := range slices.Chunk(keys, size) {
		out = append(out, slices.Clone(chunk))
	}
	return out
}
