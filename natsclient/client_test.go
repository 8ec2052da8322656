package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Nil(t, client.Conn())
}

func TestNewClient_InvalidOption(t *testing.T) {
	failing := func(*Client) error { return stderrors.New("bad option") }
	_, err := NewClient("nats://localhost:4222", failing)
	assert.Error(t, err)

	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	require.NoError(t, err)
	assert.Equal(t, int32(5), client.circuitThreshold, "invalid threshold falls back to default")
}

func TestNewClient_ConnectionOptions(t *testing.T) {
	changes := make(chan bool, 1)
	client, err := NewClient("nats://localhost:4222",
		WithPingInterval(10*time.Second),
		WithDrainTimeout(2*time.Second),
		WithHealthChangeCallback(func(healthy bool) { changes <- healthy }))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, client.pingInterval)
	assert.Equal(t, 2*time.Second, client.drainTimeout)

	client.notifyHealth(false)
	select {
	case healthy := <-changes:
		assert.False(t, healthy)
	case <-time.After(time.Second):
		t.Fatal("health change not reported")
	}
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 3*time.Second, client.Backoff(), "backoff is capped")
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, client.WaitForConnection(ctx))

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()), "close is idempotent")
}

func TestClient_MetricsTrackStatus(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)

	client.setStatus(StatusConnected)
	client.setStatus(StatusDisconnected)
	assert.Equal(t, StatusDisconnected, client.Status())
}
