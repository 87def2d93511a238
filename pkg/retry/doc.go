// Package retry runs an operation under an exponential backoff schedule.
//
// Do and DoWithResult stop on success, on an error wrapped with
// NonRetryable, after MaxAttempts, or when the context is done:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return broker.Connect(ctx)
//	})
//
// Config.BackOff exposes the same schedule as a backoff.BackOff for callers
// that drive their own loop.
package retry
