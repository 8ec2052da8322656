package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/pkg/tlsutil"
)

// Store backend names
const (
	StoreBackendMemory = "memory"
	StoreBackendNATS   = "nats"
	StoreBackendRedis  = "redis"
)

// Config represents the complete process configuration
type Config struct {
	NATS     NATSConfig     `koanf:"nats"`
	Store    StoreConfig    `koanf:"store"`
	Mapper   MapperConfig   `koanf:"mapper"`
	Cleanup  CleanupConfig  `koanf:"cleanup"`
	Mediator MediatorConfig `koanf:"mediator"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// NATSConfig contains NATS connection settings. An empty URLs list runs the
// process on the in-memory bus.
type NATSConfig struct {
	URLs           []string      `koanf:"urls"`
	Name           string        `koanf:"name"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	DrainTimeout   time.Duration `koanf:"drain_timeout"`
	Stream         string        `koanf:"stream"`
	Subjects       []string      `koanf:"subjects"`
	Durable        string        `koanf:"durable"`

	TLS tlsutil.ClientConfig `koanf:"tls"`
}

// StoreConfig selects and configures the state store backend
type StoreConfig struct {
	Backend       string `koanf:"backend"`
	Bucket        string `koanf:"bucket"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	RedisPrefix   string `koanf:"redis_prefix"`

	RedisTLS tlsutil.ClientConfig `koanf:"redis_tls"`
}

// MapperConfig contains flow-mapper settings and topics
type MapperConfig struct {
	P2PTTL         time.Duration `koanf:"p2p_ttl"`
	InputTopics    []string      `koanf:"input_topics"`
	P2POutTopic    string        `koanf:"p2p_out_topic"`
	FlowEventTopic string        `koanf:"flow_event_topic"`
}

// CleanupConfig contains settings for the scheduled cleanup task
type CleanupConfig struct {
	Window       time.Duration `koanf:"window"`
	BatchSize    int           `koanf:"batch_size"`
	Interval     time.Duration `koanf:"interval"`
	TaskName     string        `koanf:"task_name"`
	TriggerTopic string        `koanf:"trigger_topic"`
	CommandTopic string        `koanf:"command_topic"`

	// MaxCommandsPerSecond caps the cleanup commands applied. Zero is no cap.
	MaxCommandsPerSecond float64 `koanf:"max_commands_per_second"`
	CommandBurst         int     `koanf:"command_burst"`
}

// MediatorConfig contains event mediator settings
type MediatorConfig struct {
	ThreadCount         int             `koanf:"thread_count"`
	MaxAttempts         int             `koanf:"max_attempts"`
	WaitBetweenAttempts []time.Duration `koanf:"wait_between_attempts"`
	StoreTimeout        time.Duration   `koanf:"store_timeout"`
	PollBatchSize       int             `koanf:"poll_batch_size"`
	PollTimeout         time.Duration   `koanf:"poll_timeout"`
	MaxPending          int             `koanf:"max_pending"`
	ShutdownTimeout     time.Duration   `koanf:"shutdown_timeout"`
}

// MetricsConfig contains the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	Path    string `koanf:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultConfig returns a configuration that runs a single node in memory
func DefaultConfig() Config {
	return Config{
		NATS: NATSConfig{
			Name:           "sessionflow",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
			PingInterval:   30 * time.Second,
			DrainTimeout:   30 * time.Second,
			Stream:         "SESSIONFLOW",
			Subjects:       []string{"sessionflow.>"},
			Durable:        "flow-mapper",
		},
		Store: StoreConfig{
			Backend:     StoreBackendMemory,
			Bucket:      "flow_mapper_state",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "sessionflow:state:",
		},
		Mapper: MapperConfig{
			P2PTTL:         5 * time.Minute,
			InputTopics:    []string{"sessionflow.mapper.flow", "sessionflow.mapper.p2p"},
			P2POutTopic:    "sessionflow.p2p.out",
			FlowEventTopic: "sessionflow.flow.events",
		},
		Cleanup: CleanupConfig{
			Window:       30 * time.Second,
			BatchSize:    0,
			Interval:     30 * time.Second,
			TaskName:     "flow-mapper-cleanup",
			TriggerTopic: "sessionflow.scheduler.triggers",
			CommandTopic: "sessionflow.mapper.cleanup",
			CommandBurst: 1,
		},
		Mediator: MediatorConfig{
			ThreadCount:         8,
			MaxAttempts:         3,
			WaitBetweenAttempts: []time.Duration{200 * time.Millisecond, time.Second},
			StoreTimeout:        5 * time.Second,
			PollBatchSize:       64,
			PollTimeout:         time.Second,
			MaxPending:          1024,
			ShutdownTimeout:     10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values the process cannot run with
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendNATS:
		if len(c.NATS.URLs) == 0 {
			problems = append(problems, "store.backend nats requires nats.urls")
		}
		if c.Store.Bucket == "" {
			problems = append(problems, "store.bucket is required")
		}
	case StoreBackendRedis:
		if c.Store.RedisAddr == "" {
			problems = append(problems, "store.redis_addr is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.backend %q is not one of memory, nats, redis", c.Store.Backend))
	}

	if c.NATS.PingInterval < 0 || c.NATS.DrainTimeout < 0 {
		problems = append(problems, "nats.ping_interval and nats.drain_timeout must not be negative")
	}

	if c.Mapper.P2PTTL < 0 {
		problems = append(problems, "mapper.p2p_ttl must not be negative")
	}
	if len(c.Mapper.InputTopics) == 0 {
		problems = append(problems, "mapper.input_topics must not be empty")
	}
	if c.Mapper.P2POutTopic == "" || c.Mapper.FlowEventTopic == "" {
		problems = append(problems, "mapper.p2p_out_topic and mapper.flow_event_topic are required")
	}

	if c.Cleanup.Window < 0 {
		problems = append(problems, "cleanup.window must not be negative")
	}
	if c.Cleanup.BatchSize < 0 {
		problems = append(problems, "cleanup.batch_size must not be negative")
	}
	if c.Cleanup.Interval <= 0 {
		problems = append(problems, "cleanup.interval must be positive")
	}
	if c.Cleanup.MaxCommandsPerSecond < 0 {
		problems = append(problems, "cleanup.max_commands_per_second must not be negative")
	}
	if c.Cleanup.TaskName == "" {
		problems = append(problems, "cleanup.task_name is required")
	}

	if c.Mediator.ThreadCount <= 0 {
		problems = append(problems, "mediator.thread_count must be positive")
	}
	if c.Mediator.MaxAttempts <= 0 {
		problems = append(problems, "mediator.max_attempts must be positive")
	}
	for i, d := range c.Mediator.WaitBetweenAttempts {
		if d < 0 {
			problems = append(problems, fmt.Sprintf("mediator.wait_between_attempts[%d] must not be negative", i))
		}
	}
	if c.Mediator.StoreTimeout <= 0 {
		problems = append(problems, "mediator.store_timeout must be positive")
	}
	if c.Mediator.PollBatchSize <= 0 {
		problems = append(problems, "mediator.poll_batch_size must be positive")
	}
	if c.Mediator.MaxPending <= 0 {
		problems = append(problems, "mediator.max_pending must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if len(problems) > 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", strings.Join(problems, "; "))
	}
	return nil
}
