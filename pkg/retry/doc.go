// Package retry provides retry loops for transient failures.
//
// Two delay strategies are supported:
//
//   - Exponential backoff (InitialDelay, Multiplier, MaxDelay, optional jitter)
//   - An explicit delay list (WaitBetween): the n-th wait uses WaitBetween[n-1],
//     the last entry is reused once the list is exhausted
//
// Use NonRetryable to stop a loop early:
//
//	err := retry.Do(ctx, retry.Delays(3, 100*time.Millisecond, time.Second), func() error {
//	    if err := store.Update(ctx, st); err != nil {
//	        if errors.IsFatal(err) {
//	            return retry.NonRetryable(err)
//	        }
//	        return err
//	    }
//	    return nil
//	})
package retry
