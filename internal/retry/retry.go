// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultAttempts   = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
	jitterFactor      = 0.25
	backoffMultiplier = 2
)

// Policy bounds a retry loop. Zero fields fall back to package defaults.
type Policy struct {
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent or non-retryable error,
// the attempts run out, or ctx is done.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()
	exponential := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: jitterFactor,
		Multiplier:          backoffMultiplier,
		MaxInterval:         policy.MaxDelay,
	}
	exponential.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(ctx); err != nil {
			if policy.Retryable != nil && !policy.Retryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(exponential), backoff.WithMaxTries(policy.Attempts))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

func (policy Policy) withDefaults() Policy {
	if policy.Attempts == 0 {
		policy.Attempts = defaultAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultMaxDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return policy
}
