// Package storetest is the conformance suite for statestore.Store
// implementations.
package storetest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/statestore"
)

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty store stamping writes with clock
type Factory func(t *testing.T, clock func() time.Time) statestore.Store

// RunStoreTests runs the conformance suite against stores built by factory
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("FindInterval", func(t *testing.T) { testFindInterval(t, factory) })
	t.Run("FindMetadata", func(t *testing.T) { testFindMetadata(t, factory) })
	t.Run("KeysWithSeparators", func(t *testing.T) { testKeysWithSeparators(t, factory) })
	t.Run("WholeStateRoundTrip", func(t *testing.T) { testWholeStateRoundTrip(t, factory) })
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func state(key, value, status string) statestore.State {
	return statestore.State{
		Key:      key,
		Value:    []byte(value),
		Metadata: statestore.Metadata{"status": status},
	}
}

func keysOf(m map[string]statestore.State) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func testCreateAndGet(t *testing.T, factory Factory) {
	clock := NewClock(epoch)
	store := factory(t, clock.Now)
	ctx := context.Background()

	failed, err := store.Create(ctx, []statestore.State{state("a", "1", "OPEN"), state("b", "2", "OPEN")})
	require.NoError(t, err)
	assert.Empty(t, failed)

	got, err := store.Get(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keysOf(got))
	assert.Equal(t, []byte("1"), got["a"].Value)
	assert.Equal(t, 0, got["a"].Version)
	assert.Equal(t, "OPEN", got["a"].Metadata["status"])
	assert.True(t, got["a"].ModifiedTime.Equal(epoch), "modified time %v", got["a"].ModifiedTime)

	failed, err = store.Create(ctx, []statestore.State{state("a", "other", "OPEN"), state("c", "3", "OPEN")})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Error(t, failed["a"])

	got, err = store.Get(ctx, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got["a"].Value)
	assert.Equal(t, []byte("3"), got["c"].Value)
}

func testUpdate(t *testing.T, factory Factory) {
	clock := NewClock(epoch)
	store := factory(t, clock.Now)
	ctx := context.Background()

	_, err := store.Create(ctx, []statestore.State{state("a", "1", "OPEN")})
	require.NoError(t, err)
	clock.Advance(time.Second)

	failed, err := store.Update(ctx, []statestore.State{{
		Key: "a", Value: []byte("2"), Version: 0, Metadata: statestore.Metadata{"status": "CLOSING"},
	}})
	require.NoError(t, err)
	assert.Empty(t, failed)

	got, err := store.Get(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, got["a"].Version)
	assert.Equal(t, []byte("2"), got["a"].Value)
	assert.Equal(t, "CLOSING", got["a"].Metadata["status"])
	assert.True(t, got["a"].ModifiedTime.Equal(epoch.Add(time.Second)))

	// Stale version: the stored record comes back and nothing changes.
	failed, err = store.Update(ctx, []statestore.State{{Key: "a", Value: []byte("stale"), Version: 0}})
	require.NoError(t, err)
	require.Contains(t, failed, "a")
	assert.Equal(t, 1, failed["a"].Version)
	assert.Equal(t, []byte("2"), failed["a"].Value)

	// Missing key: the input comes back.
	failed, err = store.Update(ctx, []statestore.State{{Key: "missing", Value: []byte("x"), Version: 3}})
	require.NoError(t, err)
	require.Contains(t, failed, "missing")
	assert.Equal(t, 3, failed["missing"].Version)

	got, err = store.Get(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got["a"].Value)
	assert.NotContains(t, got, "missing")
}

func testDelete(t *testing.T, factory Factory) {
	clock := NewClock(epoch)
	store := factory(t, clock.Now)
	ctx := context.Background()

	_, err := store.Create(ctx, []statestore.State{state("a", "1", "OPEN"), state("b", "2", "OPEN")})
	require.NoError(t, err)
	_, err = store.Update(ctx, []statestore.State{{Key: "b", Value: []byte("3"), Version: 0}})
	require.NoError(t, err)

	failed, err := store.Delete(ctx, []statestore.State{
		{Key: "a", Version: 0},
		{Key: "b", Version: 0},
		{Key: "missing", Version: 0},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keysOf(failed))
	assert.Equal(t, 1, failed["b"].Version)

	got, err := store.Get(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keysOf(got))

	// A deleted key can be created again.
	failed2, err := store.Create(ctx, []statestore.State{state("a", "again", "OPEN")})
	require.NoError(t, err)
	assert.Empty(t, failed2)
}

func testFindInterval(t *testing.T, factory Factory) {
	clock := NewClock(epoch)
	store := factory(t, clock.Now)
	ctx := context.Background()

	for _, key := range []string{"t0", "t1", "t2"} {
		_, err := store.Create(ctx, []statestore.State{state(key, key, "CLOSING")})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	closing := statestore.MetadataFilter{Key: "status", Operation: statestore.Equals, Value: "CLOSING"}

	got, err := store.FindUpdatedBetweenWithMetadataFilter(ctx,
		statestore.IntervalFilter{End: epoch.Add(time.Second)}, closing)
	require.NoError(t, err)
	assert.Equal(t, []string{"t0", "t1"}, keysOf(got))

	got, err = store.FindUpdatedBetweenWithMetadataFilter(ctx,
		statestore.IntervalFilter{Start: epoch.Add(time.Second), End: epoch.Add(2 * time.Second)}, closing)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, keysOf(got))

	got, err = store.FindUpdatedBetweenWithMetadataFilter(ctx,
		statestore.IntervalFilter{End: epoch.Add(time.Second - time.Millisecond)}, closing)
	require.NoError(t, err)
	assert.Equal(t, []string{"t0"}, keysOf(got))
}

func testFindMetadata(t *testing.T, factory Factory) {
	clock := NewClock(epoch)
	store := factory(t, clock.Now)
	ctx := context.Background()

	_, err := store.Create(ctx, []statestore.State{
		state("open", "1", "OPEN"),
		state("closing", "2", "CLOSING"),
		state("error", "3", "ERROR"),
		{Key: "untagged", Value: []byte("4")},
		{Key: "counted", Value: []byte("5"), Metadata: statestore.Metadata{"attempts": 7}},
	})
	require.NoError(t, err)

	all := statestore.IntervalFilter{}

	got, err := store.FindUpdatedBetweenWithMetadataMatchingAny(ctx, all, []statestore.MetadataFilter{
		{Key: "status", Operation: statestore.Equals, Value: "CLOSING"},
		{Key: "status", Operation: statestore.Equals, Value: "ERROR"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"closing", "error"}, keysOf(got))

	got, err = store.FindUpdatedBetweenWithMetadataFilter(ctx, all,
		statestore.MetadataFilter{Key: "status", Operation: statestore.NotEquals, Value: "OPEN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"closing", "error"}, keysOf(got))

	got, err = store.FindUpdatedBetweenWithMetadataFilter(ctx, all,
		statestore.MetadataFilter{Key: "attempts", Operation: statestore.GreaterThan, Value: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"counted"}, keysOf(got))

	got, err = store.FindUpdatedBetweenWithMetadataMatchingAny(ctx, all, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testKeysWithSeparators(t *testing.T, factory Factory) {
	clock := NewClock(epoch)
	store := factory(t, clock.Now)
	ctx := context.Background()

	keys := []string{"7c0f3b1e-INITIATED", "flow:a/b c", "ünïcode.key"}
	var states []statestore.State
	for _, k := range keys {
		states = append(states, state(k, k, "OPEN"))
	}
	failed, err := store.Create(ctx, states)
	require.NoError(t, err)
	assert.Empty(t, failed)

	got, err := store.FindUpdatedBetweenWithMetadataFilter(ctx, statestore.IntervalFilter{},
		statestore.MetadataFilter{Key: "status", Operation: statestore.Equals, Value: "OPEN"})
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, keys, keysOf(got))
	for _, k := range keys {
		assert.Equal(t, []byte(k), got[k].Value)
	}
}

func testWholeStateRoundTrip(t *testing.T, factory Factory) {
	clock := NewClock(epoch)
	store := factory(t, clock.Now)
	ctx := context.Background()

	in := statestore.State{
		Key:   "rich",
		Value: []byte(`{"flowId":"f1","status":"OPEN"}`),
		Metadata: statestore.Metadata{
			"flowMapperState": "OPEN",
			"attempts":        float64(2),
			"responder":       true,
		},
	}
	failed, err := store.Create(ctx, []statestore.State{in})
	require.NoError(t, err)
	require.Empty(t, failed)

	clock.Advance(time.Second)
	next := in
	next.Metadata = in.Metadata.Merge(statestore.Metadata{"flowMapperState": "CLOSING"})
	conflicts, err := store.Update(ctx, []statestore.State{next})
	require.NoError(t, err)
	require.Empty(t, conflicts)

	got, err := store.Get(ctx, []string{"rich"})
	require.NoError(t, err)

	want := statestore.State{
		Key:          "rich",
		Value:        in.Value,
		Version:      1,
		Metadata:     statestore.Metadata{"flowMapperState": "CLOSING", "attempts": float64(2), "responder": true},
		ModifiedTime: epoch.Add(time.Second),
	}
	if diff := cmp.Diff(want, got["rich"]); diff != "" {
		t.Errorf("stored state mismatch (-want +got):\n%s", diff)
	}
}
