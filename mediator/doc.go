// Package mediator consumes keyed records from several sources, runs them
// through a Processor against durable per-key state and publishes the
// resulting records.
//
// Guarantees:
//
//   - At most one record per key is processed at any time, across all
//     sources, and records of one key are applied in arrival order.
//   - The new state is committed to the statestore before any output record
//     is published. A publish failure after a successful commit is retried
//     on its own and never re-runs the processor.
//   - Version conflicts, store failures and processor errors are retried
//     from the last committed state with the configured delays. When the
//     attempts are exhausted the FailureHandler is told and the key is held
//     in ERROR_BACKOFF: the same record is tried again and the records
//     queued behind it wait. On shutdown a held record and its queue are
//     nacked in order.
//   - Records the processor rejects as invalid are reported and nacked; the
//     key moves on to its next record.
//   - An output record without a route is a configuration error: Run stops
//     and returns an error wrapping errors.ErrNoRoute.
//
// A mediator for a processor over a state type S:
//
//	m, err := mediator.New(cfg, store, processor, router, []message.Source{src},
//		mediator.WithLogger[State](logger),
//		mediator.WithMetrics[State](registry),
//	)
//	if err != nil {
//		return err
//	}
//	return m.Run(ctx)
package mediator
