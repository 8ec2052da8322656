// Package worker provides a generic worker pool for concurrent task processing.
//
// A Pool runs a fixed number of goroutines that drain a bounded queue.
// SubmitWait blocks until queue space is available, the caller's context
// ends, or the pool's run context ends, so a slow processing stage pushes
// back on the mediator's pollers instead of losing records.
//
// Statistics are always tracked with atomics. Prometheus metrics are optional
// and registered through metric.MetricsRegistry when WithMetricsRegistry is
// supplied:
//
//	pool := worker.NewPool(8, 64, process,
//	    worker.WithMetricsRegistry[task](registry, "mediator_flow"))
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Stop closes the queue and waits for in-flight items to finish. Submitting
// after Stop returns ErrPoolStopped.
package worker
