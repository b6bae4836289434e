package processor

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how charge initialization is retried. Retries reuse the
// same reference, so the processor sees one logical charge no matter how many
// attempts it took.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     int
}

// RetryClient wraps a Client and retries transient upstream failures.
type RetryClient struct {
	inner  Client
	policy RetryPolicy
}

func WithRetry(inner Client, policy RetryPolicy) *RetryClient {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 500 * time.Millisecond
	}
	return &RetryClient{inner: inner, policy: policy}
}

func (c *RetryClient) InitializeCharge(ctx context.Context, req InitializeChargeRequest) (InitializeChargeResponse, error) {
	backoff := c.policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		resp, err := c.inner.InitializeCharge(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		// validation failures and hard rejections do not improve on retry
		if !errors.Is(err, ErrUpstreamUnavailable) || attempt == c.policy.MaxAttempts {
			return InitializeChargeResponse{}, err
		}

		sleep := backoff
		if c.policy.MaxBackoff > 0 && sleep > c.policy.MaxBackoff {
			sleep = c.policy.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return InitializeChargeResponse{}, ctx.Err()
		}
		if c.policy.Multiplier > 1 {
			backoff *= time.Duration(c.policy.Multiplier)
		}
	}
	return InitializeChargeResponse{}, lastErr
}
