package retry

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-deploysync/core"
)

// Invoker runs an operation up to Policy.MaxAttempts times, sleeping between
// transient failures. The zero value uses DefaultPolicy and Retryable.
type Invoker struct {
	Policy   Policy
	Classify func(error) bool
	Sleep    func(ctx context.Context, d time.Duration) error
	Logger   core.Logger
	Observer core.Observer
}

func NewInvoker(policy Policy, logger core.Logger, metrics core.MetricsRecorder) Invoker {
	logger = glog.Ensure(logger)
	return Invoker{
		Policy:   policy.normalized(),
		Logger:   logger,
		Observer: core.NewObserver(logger, metrics),
	}
}

// Invoke returns the first success, the first non-retryable error, or the
// last error once attempts are exhausted. An error whose retry hint is longer
// than Policy.MaxDelay is returned without waiting.
func Invoke[T any](ctx context.Context, inv Invoker, operation string, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	policy := inv.Policy.normalized()
	classify := inv.Classify
	if classify == nil {
		classify = Retryable
	}
	sleep := inv.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !classify(err) || attempt == policy.MaxAttempts {
			break
		}

		delay := policy.NextDelay(attempt)
		hint := retryHint(err)
		if hint > policy.MaxDelay {
			// the upstream window outlasts the retry budget
			break
		}
		delay = max(delay, hint)
		inv.Observer.Count(ctx, "retry.attempts", 1, map[string]string{"operation": operation})
		if inv.Logger != nil {
			inv.Logger.WithContext(ctx).Warn("retrying outbound call",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"delay_ms", delay.Milliseconds(),
				"error", err.Error(),
			)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
