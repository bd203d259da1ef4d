package deploy

import (
	"context"
	"time"
)

// RetryPolicy bounds re-attempts of retryable stage failures with
// exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy keeps the total retry window well under the stage
// timeouts so a flapping dependency cannot stall a deployment indefinitely.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// withRetry runs fn until it succeeds, returns a non-retryable error, the
// attempt budget is exhausted, or ctx is canceled. The last error is
// returned unmodified so stage classification survives.
func withRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	delay := policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= policy.Attempts {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
