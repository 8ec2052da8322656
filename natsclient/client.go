package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	backoff          atomic.Int64 // time.Duration
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	tlsConfig     *tls.Config

	metrics *metric.Metrics

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	return m.status.Load().(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.metrics != nil {
		m.metrics.RecordNATSStatus(status == StatusConnected)
	}
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (m *Client) Backoff() time.Duration {
	return time.Duration(m.backoff.Load())
}

// Conn returns the underlying NATS connection
func (m *Client) Conn() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// recordFailure counts a failure and opens the circuit past the threshold
func (m *Client) recordFailure() {
	m.failures.Add(1)
	circuitFailures := m.circuitFailures.Add(1)
	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.Backoff()
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}
	m.backoff.Store(int64(newBackoff))
	m.circuitFailures.Store(0)

	current := m.Status()
	if current == StatusCircuitOpen {
		m.logger.Warn("Circuit breaker still open", "backoff", newBackoff)
		return
	}
	if m.status.CompareAndSwap(current, StatusCircuitOpen) {
		m.logger.Warn("Circuit breaker opened", "failures", circuitFailures, "backoff", currentBackoff)
		time.AfterFunc(currentBackoff, m.testCircuit)
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(int64(time.Second))
	if m.Status() == StatusCircuitOpen {
		m.setStatus(m.linkStatus())
	}
}

// linkStatus reports the status implied by the underlying connection
func (m *Client) linkStatus() ConnectionStatus {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil && conn.IsConnected() {
		return StatusConnected
	}
	return StatusDisconnected
}

// testCircuit half-opens the circuit so the next operation may try again
func (m *Client) testCircuit() {
	if m.status.CompareAndSwap(StatusCircuitOpen, m.linkStatus()) {
		m.logger.Debug("Circuit breaker half-open")
	}
}

// ready checks the breaker and connection before an operation
func (m *Client) ready() (jetstream.JetStream, error) {
	switch m.Status() {
	case StatusCircuitOpen:
		return nil, ErrCircuitOpen
	case StatusConnected:
	default:
		return nil, ErrNotConnected
	}

	m.mu.RLock()
	js := m.js
	m.mu.RUnlock()
	if js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "ready", "get JetStream context")
	}
	return js, nil
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}
	return opts
}

// Connect establishes the connection to the NATS server
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.connectionOptions()...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.recordFailure()
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
		}

		js, err := jetstream.New(res.conn)
		if err != nil {
			res.conn.Close()
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "initialise JetStream")
		}

		m.mu.Lock()
		m.conn = res.conn
		m.js = js
		m.mu.Unlock()
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS", "url", m.url)
	m.notifyHealth(true)
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.js = nil
	m.mu.Unlock()

	if conn == nil {
		m.setStatus(StatusDisconnected)
		return nil
	}

	drainTimeout := m.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- conn.Drain()
	}()

	var drainErr error
	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}

	conn.Close()
	m.setStatus(StatusDisconnected)
	if drainErr != nil {
		m.logger.Error("Drain failed, connection force closed", "error", drainErr)
	}
	return drainErr
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	return m.ready()
}

// EnsureStream creates the stream or updates it to cfg
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("create stream %s", cfg.Name))
	}

	m.resetCircuit()
	return stream, nil
}

// CreateKeyValueBucket creates a KV bucket or returns the existing one
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		m.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExistsError(err) {
			m.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("create bucket %s", cfg.Bucket))
		}
		// Lost a creation race, use the winner's bucket.
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			m.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("access existing bucket %s", cfg.Bucket))
		}
	}

	m.logger.Info("KV bucket ready", "bucket", cfg.Bucket)
	m.resetCircuit()
	return bucket, nil
}

// DeleteKeyValueBucket deletes a KV bucket
func (m *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	js, err := m.ready()
	if err != nil {
		return err
	}
	if err := js.DeleteKeyValue(ctx, name); err != nil {
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "DeleteKeyValueBucket", fmt.Sprintf("delete bucket %s", name))
	}
	m.resetCircuit()
	return nil
}

func (m *Client) notifyHealth(healthy bool) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("NATS disconnected", "error", err)
	m.notifyHealth(false)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	if m.metrics != nil {
		m.metrics.RecordNATSReconnect()
	}
	m.logger.Info("NATS reconnected")
	m.notifyHealth(true)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	m.notifyHealth(false)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}

// isAlreadyExistsError checks if an error indicates a stream or bucket already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
