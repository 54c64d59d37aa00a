// Package retryutil provides the single bounded retry-with-backoff helper
// shared by all provider clients.
package retryutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retryable operation.
type Policy struct {
	MaxAttempts     int           // total attempts including the first
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // backoff ceiling
}

// DefaultPolicy is the single-retry policy most provider clients use.
var DefaultPolicy = Policy{
	MaxAttempts:     2,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Do runs op under the policy, honouring ctx cancellation between attempts.
// The last error is returned when all attempts fail.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	wrapped := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx)
	return backoff.Retry(op, wrapped)
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
