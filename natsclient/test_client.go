package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Image and startup limit of the disposable NATS server used by integration
// tests.
const (
	testImage        = "nats:2.11.7-alpine"
	testStartTimeout = 30 * time.Second
)

// TestClient is a connected Client backed by a throwaway NATS container, for
// the JetStream stream and KV integration tests.
type TestClient struct {
	container testcontainers.Container
	Client    *Client
	URL       string
	cleanup   func()
}

type testConfig struct {
	jetstream bool
	kvBuckets []string
	streams   []jetstream.StreamConfig
	timeout   time.Duration
}

// TestOption prepares the server before the test starts.
type TestOption func(*testConfig)

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
	}
}

// WithKVBuckets creates the named state buckets up front.
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// WithStreams creates the given record streams up front.
func WithStreams(streams ...jetstream.StreamConfig) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.streams = append(cfg.streams, streams...)
	}
}

// NewSharedTestClient starts a server shared by a whole package. The caller
// terminates it, usually from TestMain.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return startTestClient(context.Background(), cfg)
}

// NewTestClient starts a server that lives until t finishes.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	tc, err := NewSharedTestClient(opts...)
	if err != nil {
		t.Fatalf("Failed to start NATS test client: %v", err)
	}
	t.Cleanup(tc.cleanup)
	return tc
}

func startTestClient(ctx context.Context, cfg *testConfig) (*TestClient, error) {
	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	req := testcontainers.ContainerRequest{
		Image:        testImage,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          args,
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(testStartTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url,
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0), // No reconnects in tests
	)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if err := client.WaitForConnection(connectCtx); err != nil {
		_ = client.Close(ctx)
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("NATS connection not ready: %w", err)
	}

	tc := &TestClient{
		container: container,
		Client:    client,
		URL:       url,
		cleanup: func() {
			_ = client.Close(context.Background())
			_ = container.Terminate(context.Background())
		},
	}

	for _, bucket := range cfg.kvBuckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket}); err != nil {
			tc.cleanup()
			return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
		}
	}
	for _, stream := range cfg.streams {
		if _, err := client.EnsureStream(ctx, stream); err != nil {
			tc.cleanup()
			return nil, fmt.Errorf("failed to create stream %s: %w", stream.Name, err)
		}
	}

	return tc, nil
}

// Terminate closes the client and removes the container. Calling it twice is a no-op.
func (tc *TestClient) Terminate() error {
	if tc.cleanup != nil {
		tc.cleanup()
		tc.cleanup = nil
	}
	return nil
}

// CreateKVBucket adds a state bucket after startup.
func (tc *TestClient) CreateKVBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	return tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name})
}
