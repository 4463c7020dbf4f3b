package engine

import (
	"context"
	"math"
	"time"

	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// DelayForAttempt computes the pre-dispatch backoff for retrying a step.
// retryCount is the number of retries already performed: the first retry
// dispatches immediately, retry k (k >= 2) waits initial * factor^(k-2).
func DelayForAttempt(retryCount int, policy runtime.RetryPolicy) time.Duration {
	if retryCount <= 0 || policy.InitialDelay <= 0 {
		return 0
	}
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(policy.InitialDelay) * math.Pow(factor, float64(retryCount-1))
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// ClassifierRetryPolicy is the dispatch policy for the classifier: a flaky,
// parallel multi-call operation, so it gets a deeper budget than typical
// capabilities.
func ClassifierRetryPolicy() runtime.RetryPolicy {
	return runtime.RetryPolicy{
		MaxAttempts:   4,
		InitialDelay:  time.Second,
		BackoffFactor: 1.8,
	}
}

// OrchestratorRetryPolicy is the dispatch policy for plan generation.
func OrchestratorRetryPolicy() runtime.RetryPolicy {
	return runtime.RetryPolicy{
		MaxAttempts:   2,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// sleepWithContext waits for delay or until ctx is done; it returns false on
// cancellation. The session loop awaits backoff here so a retrying session
// never blocks a worker serving other sessions' decisions.
func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
