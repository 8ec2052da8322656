package statestore

import "context"

// Store is a versioned key-value store with optimistic concurrency
type Store interface {
	// Create stores new states at version 0. Keys that already exist are
	// reported in the returned map and left untouched.
	Create(ctx context.Context, states []State) (map[string]error, error)

	// Get returns the stored states for the keys that exist
	Get(ctx context.Context, keys []string) (map[string]State, error)

	// Update replaces states whose version matches the stored version and
	// increments it. Mismatched keys map to the currently stored state; keys
	// that do not exist map to the state passed in.
	Update(ctx context.Context, states []State) (map[string]State, error)

	// Delete removes states whose version matches the stored version.
	// Mismatched keys map to the currently stored state. Missing keys are
	// ignored.
	Delete(ctx context.Context, states []State) (map[string]State, error)

	// FindUpdatedBetweenWithMetadataFilter returns states modified within
	// interval whose metadata satisfies filter.
	FindUpdatedBetweenWithMetadataFilter(ctx context.Context, interval IntervalFilter, filter MetadataFilter) (map[string]State, error)

	// FindUpdatedBetweenWithMetadataMatchingAny returns states modified
	// within interval whose metadata satisfies at least one filter.
	FindUpdatedBetweenWithMetadataMatchingAny(ctx context.Context, interval IntervalFilter, filters []MetadataFilter) (map[string]State, error)
}
