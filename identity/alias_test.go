package identity

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/metric"
)

var (
	alice      = Identity{Name: "O=Alice, L=London, C=GB", GroupID: "group-1"}
	aliceAlias = Identity{Name: "O=Alice Alias, L=London, C=GB", GroupID: "group-1"}
	bob        = Identity{Name: "O=Bob, L=Paris, C=FR", GroupID: "group-1"}
)

func TestAliasCache_ResolvePassThrough(t *testing.T) {
	c := NewAliasCache()
	assert.Equal(t, bob, c.Resolve(bob))
	assert.Zero(t, c.Len())
}

func TestAliasCache_RefreshAndIncrementalUpdates(t *testing.T) {
	c := NewAliasCache()
	snapshot := map[Identity]Identity{aliceAlias: alice}
	c.Refresh(snapshot)
	snapshot[bob] = alice // the cache owns its copy

	assert.Equal(t, alice, c.Resolve(aliceAlias))
	assert.Equal(t, bob, c.Resolve(bob))
	assert.Equal(t, 1, c.Len())

	v := c.Version()
	c.Put(bob, alice)
	assert.Equal(t, alice, c.Resolve(bob))
	assert.Greater(t, c.Version(), v)

	c.Remove(aliceAlias)
	assert.Equal(t, aliceAlias, c.Resolve(aliceAlias))

	c.Refresh(nil)
	assert.Zero(t, c.Len())
	assert.Equal(t, bob, c.Resolve(bob))
}

func TestAliasCache_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := NewAliasCache()
	require.NoError(t, c.WithMetrics(registry))

	c.Put(aliceAlias, alice)
	c.Resolve(aliceAlias)
	c.Resolve(bob)
	c.Resolve(bob)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.hits))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.misses))

	assert.Error(t, NewAliasCache().WithMetrics(registry), "second registration is rejected")
}

func TestAliasCache_Concurrent(t *testing.T) {
	c := NewAliasCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Put(aliceAlias, alice)
				c.Remove(bob)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Resolve(aliceAlias)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, alice, c.Resolve(aliceAlias))
}

func TestIdentity_String(t *testing.T) {
	assert.Equal(t, "O=Bob, L=Paris, C=FR@group-1", bob.String())
	assert.Equal(t, "x", Identity{Name: "x"}.String())
	assert.True(t, Identity{}.IsZero())
}
