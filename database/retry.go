package database

import (
	"context"
	"time"
)

// RetryPolicy controls the exponential backoff on record-store writes.
// Store errors are the only error kind allowed to abort a run, so flushes
// get a few attempts before the orchestrator gives up.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// DefaultRetryPolicy mirrors the documented store-write policy:
// 3 attempts, 200 ms base, 2 s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second}
}

// withRetry runs op up to policy.Attempts times with exponential backoff.
// The context aborts the wait between attempts, not a running op.
func withRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Base <= 0 {
		policy.Base = 200 * time.Millisecond
	}

	var lastErr error
	delay := policy.Base
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			if policy.Cap > 0 && delay > policy.Cap {
				delay = policy.Cap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
