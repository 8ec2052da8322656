// Package statestore defines the versioned key-value contract used to persist
// per-key processing state, and an in-memory implementation of it.
//
// Concurrency control is optimistic. Every State carries a Version. Create
// stores version 0. Update and Delete apply only when the caller's version
// matches the stored one; on a mismatch the stored record is returned in the
// per-key failure map and nothing changes. Version conflicts are therefore
// results, not errors. The error return of each operation is reserved for
// infrastructure failures, which are classified transient.
//
// Every write stamps ModifiedTime, truncated to milliseconds. Interval
// queries are inclusive at both ends and can be combined with metadata
// filters, either a single filter or a match-any list:
//
//	expired, err := store.FindUpdatedBetweenWithMetadataMatchingAny(ctx,
//	    statestore.IntervalFilter{End: cutoff},
//	    []statestore.MetadataFilter{
//	        {Key: "status", Operation: statestore.Equals, Value: "CLOSING"},
//	        {Key: "status", Operation: statestore.Equals, Value: "ERROR"},
//	    })
//
// Implementations live in the natskv and redisstore subpackages; storetest
// holds the conformance suite every implementation runs.
package statestore
