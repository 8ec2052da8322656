package mediator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/message"
	"github.com/c360/sessionflow/message/membus"
	"github.com/c360/sessionflow/metric"
	"github.com/c360/sessionflow/pkg/retry"
	"github.com/c360/sessionflow/statestore"
)

var (
	tickType  = message.Type{Domain: "test", Category: "tick", Version: "v1"}
	tallyType = message.Type{Domain: "test", Category: "tally", Version: "v1"}
)

type tick struct{ Seq int }

func (tick) Schema() message.Type { return tickType }

type tally struct {
	Key   string
	Count int
}

func (tally) Schema() message.Type { return tallyType }

type counterState struct {
	Count int   `json:"count"`
	Seqs  []int `json:"seqs"`
}

func counting(state *StateAndMeta[counterState], rec message.Record) (Response[counterState], error) {
	var s counterState
	if state != nil {
		s = state.State
	}
	s.Count++
	s.Seqs = append(s.Seqs, rec.Value.(tick).Seq)
	return Response[counterState]{
		UpdatedState: &StateAndMeta[counterState]{
			State:    s,
			Metadata: statestore.Metadata{"count": s.Count},
		},
		ResponseEvents: []message.Record{{Key: rec.Key, Value: tally{Key: rec.Key, Count: s.Count}}},
	}, nil
}

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.ThreadCount = 4
	cfg.PollBatchSize = 8
	cfg.MaxPending = 64
	cfg.Retry = retry.Delays(3, time.Millisecond)
	cfg.PollErrorBackoff = 10 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func outRouter(sink message.Sink) *TypeRouter {
	return NewTypeRouter().Add(tallyType, Destination{Sink: sink, Topic: "out"})
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start[S any](m *Mediator[S]) *running {
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- m.Run(ctx) }()
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	return r.wait(t)
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("mediator did not stop")
		return nil
	}
}

func publishTicks(t *testing.T, bus *membus.Bus, topic string, keys []string, n int) {
	t.Helper()
	for seq := 1; seq <= n; seq++ {
		for _, key := range keys {
			require.NoError(t, bus.Publish(context.Background(),
				message.Record{Topic: topic, Key: key, Value: tick{Seq: seq}}))
		}
	}
}

func storedState(t *testing.T, store statestore.Store, key string) (counterState, statestore.State, bool) {
	t.Helper()
	states, err := store.Get(context.Background(), []string{key})
	require.NoError(t, err)
	st, ok := states[key]
	if !ok {
		return counterState{}, st, false
	}
	var s counterState
	require.NoError(t, json.Unmarshal(st.Value, &s))
	return s, st, true
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"default", func(*Config) {}, nil},
		{"no name", func(c *Config) { c.Name = "" }, errors.ErrMissingConfig},
		{"no threads", func(c *Config) { c.ThreadCount = 0 }, errors.ErrInvalidConfig},
		{"no batch", func(c *Config) { c.PollBatchSize = 0 }, errors.ErrInvalidConfig},
		{"pending below batch", func(c *Config) { c.MaxPending = c.PollBatchSize - 1 }, errors.ErrInvalidConfig},
		{"negative timeout", func(c *Config) { c.StoreTimeout = -time.Second }, errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("m")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()
	proc := ProcessorFunc[counterState](counting)

	_, err := New[counterState](testConfig(), store, proc, outRouter(bus), nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = New[counterState](testConfig(), nil, proc, outRouter(bus), []message.Source{bus.Source("in")})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := testConfig()
	cfg.ThreadCount = 0
	_, err = New[counterState](cfg, store, proc, outRouter(bus), []message.Source{bus.Source("in")})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestMediator_AppliesRecordsInArrivalOrderPerKey(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()
	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	const n = 20

	m, err := New[counterState](testConfig(), store, ProcessorFunc[counterState](counting),
		outRouter(bus), []message.Source{bus.Source("in")})
	require.NoError(t, err)

	publishTicks(t, bus, "in", keys, n)
	r := start(m)

	require.Eventually(t, func() bool {
		return bus.Len("out") == len(keys)*n
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.stop(t))

	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	for _, key := range keys {
		s, st, ok := storedState(t, store, key)
		require.True(t, ok, key)
		assert.Equal(t, want, s.Seqs, key)
		assert.Equal(t, n-1, st.Version, key)
		assert.Equal(t, n, st.Metadata["count"])
	}

	lastCount := make(map[string]int)
	for _, rec := range bus.Drain("out") {
		out := rec.Value.(tally)
		assert.Equal(t, "out", rec.Topic)
		assert.Equal(t, lastCount[out.Key]+1, out.Count, "outputs of %s out of order", out.Key)
		lastCount[out.Key] = out.Count
	}

	published, acked, nakked := bus.Stats()
	assert.Equal(t, int64(2*len(keys)*n), published)
	assert.Equal(t, int64(len(keys)*n), acked)
	assert.Zero(t, nakked)
}

func TestMediator_OneInFlightRecordPerKeyAcrossSources(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()
	keys := []string{"a", "b", "c"}
	const n = 15

	var (
		mu         sync.Mutex
		inflight   = make(map[string]int)
		violations atomic.Int32
	)
	proc := ProcessorFunc[counterState](func(state *StateAndMeta[counterState], rec message.Record) (Response[counterState], error) {
		mu.Lock()
		inflight[rec.Key]++
		if inflight[rec.Key] > 1 {
			violations.Add(1)
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inflight[rec.Key]--
		mu.Unlock()
		return counting(state, rec)
	})

	cfg := testConfig()
	cfg.ThreadCount = 8
	m, err := New[counterState](cfg, store, proc, outRouter(bus),
		[]message.Source{bus.Source("left"), bus.Source("right"), bus.Source("control")})
	require.NoError(t, err)

	publishTicks(t, bus, "left", keys, n)
	publishTicks(t, bus, "right", keys, n)
	r := start(m)

	require.Eventually(t, func() bool {
		return bus.Len("out") == 2*len(keys)*n
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.stop(t))

	assert.Zero(t, violations.Load())
	for _, key := range keys {
		s, _, ok := storedState(t, store, key)
		require.True(t, ok)
		assert.Equal(t, 2*n, s.Count, "no update of %s was lost", key)
	}
}

// persistCheckingSink fails the test when an output is published before the
// state that produced it is stored.
type persistCheckingSink struct {
	store      statestore.Store
	inner      message.Sink
	violations atomic.Int32
}

func (s *persistCheckingSink) Publish(ctx context.Context, records ...message.Record) error {
	for _, rec := range records {
		out := rec.Value.(tally)
		states, err := s.store.Get(ctx, []string{out.Key})
		if err != nil {
			return err
		}
		var stored counterState
		if st, ok := states[out.Key]; ok {
			_ = json.Unmarshal(st.Value, &stored)
		}
		if stored.Count < out.Count {
			s.violations.Add(1)
		}
	}
	return s.inner.Publish(ctx, records...)
}

func TestMediator_PublishesAfterPersist(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()
	sink := &persistCheckingSink{store: store, inner: bus}

	m, err := New[counterState](testConfig(), store, ProcessorFunc[counterState](counting),
		outRouter(sink), []message.Source{bus.Source("in")})
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"x", "y"}, 10)
	r := start(m)
	require.Eventually(t, func() bool { return bus.Len("out") == 20 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.stop(t))

	assert.Zero(t, sink.violations.Load())
}

// interferingStore bumps the stored version of a key right before the first
// update, as a competing writer would.
type interferingStore struct {
	*statestore.MemoryStore
	once sync.Once
}

func (s *interferingStore) Update(ctx context.Context, states []statestore.State) (map[string]statestore.State, error) {
	s.once.Do(func() {
		key := states[0].Key
		current, _ := s.MemoryStore.Get(ctx, []string{key})
		_, _ = s.MemoryStore.Update(ctx, []statestore.State{current[key]})
	})
	return s.MemoryStore.Update(ctx, states)
}

func TestMediator_RetriesVersionConflictFromFreshState(t *testing.T) {
	bus := membus.New()
	store := &interferingStore{MemoryStore: statestore.NewMemoryStore()}
	registry := metric.NewMetricsRegistry()

	m, err := New[counterState](testConfig(), store, ProcessorFunc[counterState](counting),
		outRouter(bus), []message.Source{bus.Source("in")}, WithMetrics[counterState](registry))
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"k"}, 2)
	r := start(m)
	require.Eventually(t, func() bool { return bus.Len("out") == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, r.stop(t))

	s, st, ok := storedState(t, store, "k")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, s.Seqs)
	assert.Equal(t, 2, st.Version)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.retries.WithLabelValues("process")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.events.WithLabelValues(outcomeCommitted)))
}

func TestMediator_MissingRouteIsFatal(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()

	m, err := New[counterState](testConfig(), store, ProcessorFunc[counterState](counting),
		NewTypeRouter(), []message.Source{bus.Source("in")})
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"k"}, 1)
	r := start(m)
	defer r.cancel()

	err = r.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoRoute)
	assert.True(t, errors.IsFatal(err))

	_, _, ok := storedState(t, store, "k")
	assert.False(t, ok, "state must not be persisted for an unroutable output")
	_, acked, nakked := bus.Stats()
	assert.Zero(t, acked)
	assert.GreaterOrEqual(t, nakked, int64(1))
}

func TestMediator_HoldsKeyAfterExhaustedRetries(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()
	registry := metric.NewMetricsRegistry()
	boom := stderrors.New("boom")

	var calls atomic.Int32
	proc := ProcessorFunc[counterState](func(*StateAndMeta[counterState], message.Record) (Response[counterState], error) {
		calls.Add(1)
		return Response[counterState]{}, boom
	})

	var reported atomic.Int32
	cfg := testConfig()
	cfg.Retry = retry.Delays(2, time.Millisecond)
	m, err := New[counterState](cfg, store, proc, outRouter(bus), []message.Source{bus.Source("in")},
		WithMetrics[counterState](registry),
		WithFailureHandler[counterState](func(_ context.Context, rec message.Record, err error) {
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, "k", rec.Key)
			reported.Add(1)
		}))
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"k"}, 2)
	r := start(m)

	require.Eventually(t, func() bool { return reported.Load() >= 2 }, 5*time.Second, 5*time.Millisecond,
		"the held record is tried again after each backoff")
	_, acked, nakked := bus.Stats()
	assert.Zero(t, acked)
	assert.Zero(t, nakked, "a held record stays with its worker")
	require.NoError(t, r.stop(t))

	assert.GreaterOrEqual(t, calls.Load(), int32(4))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.metrics.backoffs.WithLabelValues("process")), 2.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.events.WithLabelValues(outcomeFailed)))

	_, acked, nakked = bus.Stats()
	assert.Zero(t, acked)
	assert.Equal(t, int64(2), nakked)
	requeued := bus.Drain("in")
	require.Len(t, requeued, 2)
	assert.Equal(t, 1, requeued[0].Value.(tick).Seq, "records are handed back in arrival order")
	assert.Equal(t, 2, requeued[1].Value.(tick).Seq)
}

func TestMediator_KeepsArrivalOrderWhenARecordFails(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()

	var failures atomic.Int32
	proc := ProcessorFunc[counterState](func(state *StateAndMeta[counterState], rec message.Record) (Response[counterState], error) {
		if rec.Value.(tick).Seq == 1 && failures.Add(1) <= 3 {
			return Response[counterState]{}, stderrors.New("store hiccup")
		}
		return counting(state, rec)
	})

	cfg := testConfig()
	cfg.Retry = retry.Delays(3, time.Millisecond)
	m, err := New[counterState](cfg, store, proc, outRouter(bus), []message.Source{bus.Source("in")})
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"k"}, 3)
	r := start(m)
	require.Eventually(t, func() bool { return bus.Len("out") == 3 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, r.stop(t))

	s, _, ok := storedState(t, store, "k")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, s.Seqs)
	_, acked, nakked := bus.Stats()
	assert.Equal(t, int64(3), acked)
	assert.Zero(t, nakked)
}

func TestMediator_InvalidRecordDoesNotHoldKey(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()

	proc := ProcessorFunc[counterState](func(state *StateAndMeta[counterState], rec message.Record) (Response[counterState], error) {
		if rec.Value.(tick).Seq == 1 {
			return Response[counterState]{}, errors.WrapInvalid(errors.ErrUnknownType, "test", "OnNext", "decode")
		}
		return counting(state, rec)
	})

	reported := make(chan error, 8)
	m, err := New[counterState](testConfig(), store, proc, outRouter(bus), []message.Source{bus.Source("in")},
		WithFailureHandler[counterState](func(_ context.Context, _ message.Record, err error) {
			select {
			case reported <- err:
			default:
			}
		}))
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"k"}, 3)
	r := start(m)
	require.Eventually(t, func() bool {
		s, _, ok := storedState(t, store, "k")
		return ok && len(s.Seqs) == 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, r.stop(t))

	s, _, _ := storedState(t, store, "k")
	assert.Equal(t, []int{2, 3}, s.Seqs)
	select {
	case err := <-reported:
		assert.True(t, errors.IsInvalid(err))
	default:
		t.Fatal("invalid record not reported")
	}
}

// flakySink fails its first n publishes
type flakySink struct {
	inner    message.Sink
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakySink) Publish(ctx context.Context, records ...message.Record) error {
	if s.calls.Add(1) <= s.failures.Load() {
		return stderrors.New("broker unavailable")
	}
	return s.inner.Publish(ctx, records...)
}

func TestMediator_RepublishesCommittedOutputs(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()
	sink := &flakySink{inner: bus}
	sink.failures.Store(5)

	var runs atomic.Int32
	proc := ProcessorFunc[counterState](func(state *StateAndMeta[counterState], rec message.Record) (Response[counterState], error) {
		runs.Add(1)
		return counting(state, rec)
	})

	var reported atomic.Int32
	cfg := testConfig()
	cfg.Retry = retry.Delays(3, time.Millisecond)
	registry := metric.NewMetricsRegistry()
	m, err := New[counterState](cfg, store, proc, outRouter(sink), []message.Source{bus.Source("in")},
		WithMetrics[counterState](registry),
		WithFailureHandler[counterState](func(context.Context, message.Record, error) { reported.Add(1) }))
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"k"}, 1)
	r := start(m)
	require.Eventually(t, func() bool { return bus.Len("out") == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, r.stop(t))

	assert.Equal(t, int32(1), runs.Load(), "the processor runs once; only the outputs are retried")
	assert.GreaterOrEqual(t, reported.Load(), int32(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.metrics.backoffs.WithLabelValues("publish")), 1.0)

	out := bus.Drain("out")
	require.Len(t, out, 1)
	assert.Equal(t, tally{Key: "k", Count: 1}, out[0].Value)

	s, _, ok := storedState(t, store, "k")
	require.True(t, ok)
	assert.Equal(t, []int{1}, s.Seqs)
	_, acked, nakked := bus.Stats()
	assert.Equal(t, int64(1), acked)
	assert.Zero(t, nakked)
}

func TestPublish_ReturnsOnlyUnsentRecords(t *testing.T) {
	m := &Mediator[counterState]{}
	first := membus.New()
	broken := &flakySink{inner: membus.New()}
	broken.failures.Store(1)

	staged := []stagedRecord{
		{rec: message.Record{Topic: "a", Key: "1"}, sink: first},
		{rec: message.Record{Topic: "b", Key: "2"}, sink: broken},
		{rec: message.Record{Topic: "a", Key: "3"}, sink: first},
	}
	unsent, err := m.publish(context.Background(), staged)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	require.Len(t, unsent, 1)
	assert.Equal(t, "2", unsent[0].rec.Key)
	assert.Equal(t, 2, first.Len("a"))

	unsent, err = m.publish(context.Background(), unsent)
	require.NoError(t, err)
	assert.Empty(t, unsent)
	assert.Equal(t, 1, broken.inner.(*membus.Bus).Len("b"))
}

// blockingStore never answers Get before the context ends
type blockingStore struct {
	*statestore.MemoryStore
}

func (blockingStore) Get(ctx context.Context, _ []string) (map[string]statestore.State, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMediator_StoreTimeoutIsRetryable(t *testing.T) {
	bus := membus.New()
	cfg := testConfig()
	cfg.StoreTimeout = 10 * time.Millisecond
	cfg.Retry = retry.Delays(2, time.Millisecond)

	failures := make(chan error, 4)
	m, err := New[counterState](cfg, blockingStore{statestore.NewMemoryStore()}, ProcessorFunc[counterState](counting),
		outRouter(bus), []message.Source{bus.Source("in")},
		WithFailureHandler[counterState](func(_ context.Context, _ message.Record, err error) {
			select {
			case failures <- err:
			default:
			}
		}))
	require.NoError(t, err)

	publishTicks(t, bus, "in", []string{"k"}, 1)
	r := start(m)

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, errors.ErrStoreTimeout)
		assert.True(t, errors.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("store timeout not reported")
	}
	require.NoError(t, r.stop(t))
}

func TestMediator_SkipsUnchangedStateAndDeletes(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()

	proc := ProcessorFunc[counterState](func(state *StateAndMeta[counterState], rec message.Record) (Response[counterState], error) {
		switch rec.Value.(tick).Seq {
		case 0:
			return Response[counterState]{}, nil
		default:
			return Response[counterState]{UpdatedState: &StateAndMeta[counterState]{
				State:    counterState{Count: 1},
				Metadata: statestore.Metadata{"status": "OPEN"},
			}}, nil
		}
	})

	m, err := New[counterState](testConfig(), store, proc, outRouter(bus), []message.Source{bus.Source("in")})
	require.NoError(t, err)
	r := start(m)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), message.Record{Topic: "in", Key: "k", Value: tick{Seq: 1}}))
	}
	require.Eventually(t, func() bool {
		_, acked, _ := bus.Stats()
		return acked == 3
	}, 5*time.Second, 5*time.Millisecond)

	_, st, ok := storedState(t, store, "k")
	require.True(t, ok)
	assert.Equal(t, 0, st.Version, "identical states are not rewritten")

	require.NoError(t, bus.Publish(context.Background(), message.Record{Topic: "in", Key: "k", Value: tick{Seq: 0}}))
	require.Eventually(t, func() bool {
		_, acked, _ := bus.Stats()
		return acked == 4
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, r.stop(t))

	_, _, ok = storedState(t, store, "k")
	assert.False(t, ok)
}

func TestMediator_DrainsTakenRecordsOnShutdown(t *testing.T) {
	bus := membus.New()
	store := statestore.NewMemoryStore()

	started := make(chan struct{})
	var once sync.Once
	proc := ProcessorFunc[counterState](func(state *StateAndMeta[counterState], rec message.Record) (Response[counterState], error) {
		once.Do(func() { close(started) })
		time.Sleep(5 * time.Millisecond)
		return counting(state, rec)
	})

	cfg := testConfig()
	cfg.ThreadCount = 2
	m, err := New[counterState](cfg, store, proc, outRouter(bus), []message.Source{bus.Source("in")})
	require.NoError(t, err)

	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	publishTicks(t, bus, "in", keys, 5)
	r := start(m)

	<-started
	require.NoError(t, r.stop(t))

	published, acked, nakked := bus.Stats()
	remaining := int64(bus.Len("in"))
	outputs := int64(bus.Len("out"))
	assert.Zero(t, nakked)
	assert.Equal(t, acked, outputs, "every taken record was committed and published")
	assert.Equal(t, published-outputs, acked+remaining, "records were either drained or left on the topic")
}

func TestMediator_RunTwiceConcurrently(t *testing.T) {
	bus := membus.New()
	m, err := New[counterState](testConfig(), statestore.NewMemoryStore(), ProcessorFunc[counterState](counting),
		outRouter(bus), []message.Source{bus.Source("in")})
	require.NoError(t, err)

	r := start(m)
	require.Eventually(t, func() bool { return m.running.Load() }, time.Second, time.Millisecond)

	err = m.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
	require.NoError(t, r.stop(t))
}

func TestMediator_StopsWhenSourcesClose(t *testing.T) {
	bus := membus.New()
	m, err := New[counterState](testConfig(), statestore.NewMemoryStore(), ProcessorFunc[counterState](counting),
		outRouter(bus), []message.Source{bus.Source("in")})
	require.NoError(t, err)

	r := start(m)
	defer r.cancel()
	bus.Close()
	assert.NoError(t, r.wait(t))
}
