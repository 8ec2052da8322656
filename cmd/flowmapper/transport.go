package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sessionflow/config"
	"github.com/c360/sessionflow/health"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/message/membus"
	"github.com/c360/sessionflow/metric"
	"github.com/c360/sessionflow/natsclient"
	"github.com/c360/sessionflow/pkg/tlsutil"
	"github.com/c360/sessionflow/statestore"
	"github.com/c360/sessionflow/statestore/natskv"
	"github.com/c360/sessionflow/statestore/redisstore"
)

// transport is where the process reads and writes records: JetStream when
// NATS URLs are configured, the in-memory bus otherwise
type transport struct {
	sink   message.Sink
	bus    *membus.Bus
	client *natsclient.Client
	codec  *message.Codec

	stream     string
	durable    string
	pollWait   time.Duration
	maxPending int

	logger    *slog.Logger
	connected atomic.Bool
}

func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*transport, error) {
	if len(cfg.NATS.URLs) == 0 {
		logger.Info("No NATS URLs configured, using the in-memory bus")
		bus := membus.New()
		return &transport{sink: bus, bus: bus}, nil
	}

	tlsConfig, err := tlsutil.LoadClientConfig(cfg.NATS.TLS)
	if err != nil {
		return nil, fmt.Errorf("load NATS TLS config: %w", err)
	}

	t := &transport{
		codec:      message.NewCodec(nil),
		stream:     cfg.NATS.Stream,
		durable:    cfg.NATS.Durable,
		pollWait:   cfg.Mediator.PollTimeout,
		maxPending: cfg.Mediator.MaxPending,
		logger:     logger,
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","),
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithPingInterval(cfg.NATS.PingInterval),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout),
		natsclient.WithHealthChangeCallback(t.setConnected),
		natsclient.WithMetrics(registry),
		natsclient.WithTLSConfig(tlsConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     cfg.NATS.Stream,
		Subjects: cfg.NATS.Subjects,
	}); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	t.client = client
	t.sink = natsclient.NewStreamSink(client, t.codec)
	t.connected.Store(true)
	return t, nil
}

func (t *transport) setConnected(up bool) {
	if t.connected.Swap(up) == up {
		return
	}
	if up {
		t.logger.Info("Transport connection restored")
	} else {
		t.logger.Warn("Transport connection lost")
	}
}

// health reports the broker connection. The in-memory bus has none and
// reports nothing.
func (t *transport) health() (health.Status, bool) {
	if t.bus != nil {
		return health.Status{}, false
	}
	if t.connected.Load() {
		return health.NewHealthy("nats", "connected"), true
	}
	return health.NewDegraded("nats", "reconnecting"), true
}

// source opens a consumer of topics. name distinguishes the durable
// consumers of one process.
func (t *transport) source(ctx context.Context, name string, topics ...string) (message.Source, error) {
	if t.bus != nil {
		return t.bus.Source(topics...), nil
	}
	src, err := natsclient.NewStreamSource(ctx, t.client, t.codec, natsclient.SourceConfig{
		Stream:        t.stream,
		Durable:       t.durable + "-" + name,
		Subjects:      topics,
		MaxAckPending: t.maxPending,
		PollWait:      t.pollWait,
	})
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", name, err)
	}
	return src, nil
}

func (t *transport) Close(ctx context.Context) error {
	if t.bus != nil {
		t.bus.Close()
		return nil
	}
	return t.client.Close(ctx)
}

// openStore builds the configured state store and returns its closer
func openStore(
	ctx context.Context, cfg *config.Config, tr *transport, logger *slog.Logger,
) (statestore.Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Store.Backend {
	case config.StoreBackendNATS:
		if tr.client == nil {
			return nil, nil, fmt.Errorf("store backend %s needs a NATS connection", cfg.Store.Backend)
		}
		store, err := natskv.Open(ctx, tr.client, cfg.Store.Bucket, natskv.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open NATS KV store: %w", err)
		}
		return store, noop, nil

	case config.StoreBackendRedis:
		tlsConfig, err := tlsutil.LoadClientConfig(cfg.Store.RedisTLS)
		if err != nil {
			return nil, nil, fmt.Errorf("load redis TLS config: %w", err)
		}
		store, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
			TLS:      tlsConfig,
		}, redisstore.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, func(context.Context) error { return store.Close() }, nil

	default:
		return statestore.NewMemoryStore(), noop, nil
	}
}
