package statestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/statestore"
	"github.com/c360/sessionflow/statestore/storetest"
)

func TestMemoryStore_Conformance(t *testing.T) {
	storetest.RunStoreTests(t, func(_ *testing.T, clock func() time.Time) statestore.Store {
		return statestore.NewMemoryStore(statestore.WithClock(clock))
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := statestore.NewMemoryStore()
	ctx := context.Background()

	_, err := store.Create(ctx, []statestore.State{{Key: "a", Value: []byte("v"), Metadata: statestore.Metadata{"s": "x"}}})
	require.NoError(t, err)

	got, err := store.Get(ctx, []string{"a"})
	require.NoError(t, err)
	s := got["a"]
	s.Value[0] = 'z'
	s.Metadata["s"] = "y"

	got, err = store.Get(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got["a"].Value)
	assert.Equal(t, "x", got["a"].Metadata["s"])
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := statestore.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, []string{"a"})
	assert.Error(t, err)
}
