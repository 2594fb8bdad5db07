package ai

import (
	"context"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 5 * time.Second
)

// RetryPolicy retries completion calls on rate-limit errors only. The delay
// before attempt n+1 is the service's retry-after hint when present, else
// BaseDelay doubled per prior attempt. Any non-rate-limit error is terminal
// immediately, as is exhausting all attempts.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewRetryPolicy returns a policy with the given attempt cap and backoff
// base; zero values fall back to 3 attempts and a 5s base.
func NewRetryPolicy(attempts int, baseDelay time.Duration) RetryPolicy {
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultRetryBase
	}
	return RetryPolicy{Attempts: attempts, BaseDelay: baseDelay}
}

// Do runs fn up to the attempt cap.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	base := p.BaseDelay
	if base <= 0 {
		base = defaultRetryBase
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRateLimit(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		delay := base << attempt
		if hint, ok := RetryAfterHint(err); ok {
			delay = hint
		}
		if sleepErr := p.wait(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
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
