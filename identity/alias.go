// Package identity holds the alias cache used to resolve holding identities
// when routing session traffic.
package identity

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/metric"
)

// Identity names a party on the network
type Identity struct {
	Name    string `json:"name"`
	GroupID string `json:"groupId"`
}

// String returns "name@group", or just the name when there is no group
func (i Identity) String() string {
	if i.GroupID == "" {
		return i.Name
	}
	return i.Name + "@" + i.GroupID
}

// IsZero reports whether i is unset
func (i Identity) IsZero() bool {
	return i.Name == "" && i.GroupID == ""
}

// AliasCache maps alias identities to the identities that own them. It is
// owned by whoever constructs it and passed explicitly to its users.
//
// Refresh replaces the whole mapping from a snapshot; Put and Remove apply
// incremental updates on top of it.
type AliasCache struct {
	mu      sync.RWMutex
	aliases map[Identity]Identity
	version uint64

	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewAliasCache creates an empty cache
func NewAliasCache() *AliasCache {
	return &AliasCache{aliases: make(map[Identity]Identity)}
}

// WithMetrics registers hit and miss counters for the cache
func (c *AliasCache) WithMetrics(registry *metric.MetricsRegistry) error {
	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionflow",
		Subsystem: "alias_cache",
		Name:      "hits_total",
		Help:      "Alias lookups that resolved to another identity",
	})
	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionflow",
		Subsystem: "alias_cache",
		Name:      "misses_total",
		Help:      "Alias lookups that passed through unchanged",
	})
	if err := registry.RegisterCounter("alias_cache", "hits", hits); err != nil {
		return errors.WrapInvalid(err, "AliasCache", "WithMetrics", "register hits")
	}
	if err := registry.RegisterCounter("alias_cache", "misses", misses); err != nil {
		return errors.WrapInvalid(err, "AliasCache", "WithMetrics", "register misses")
	}

	c.mu.Lock()
	c.hits, c.misses = hits, misses
	c.mu.Unlock()
	return nil
}

// Refresh replaces the mapping with snapshot
func (c *AliasCache) Refresh(snapshot map[Identity]Identity) {
	aliases := make(map[Identity]Identity, len(snapshot))
	for alias, owner := range snapshot {
		aliases[alias] = owner
	}

	c.mu.Lock()
	c.aliases = aliases
	c.version++
	c.mu.Unlock()
}

// Put adds or replaces one alias
func (c *AliasCache) Put(alias, owner Identity) {
	c.mu.Lock()
	c.aliases[alias] = owner
	c.version++
	c.mu.Unlock()
}

// Remove drops one alias
func (c *AliasCache) Remove(alias Identity) {
	c.mu.Lock()
	delete(c.aliases, alias)
	c.version++
	c.mu.Unlock()
}

// Resolve returns the owner of id, or id itself when it is not an alias
func (c *AliasCache) Resolve(id Identity) Identity {
	c.mu.RLock()
	owner, ok := c.aliases[id]
	hits, misses := c.hits, c.misses
	c.mu.RUnlock()

	if ok {
		if hits != nil {
			hits.Inc()
		}
		return owner
	}
	if misses != nil {
		misses.Inc()
	}
	return id
}

// Len returns the number of aliases held
func (c *AliasCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.aliases)
}

// Version increases on every change and lets callers detect updates
func (c *AliasCache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
