package durable

import "time"

// RetryOptions controls activity retry behavior. Retries happen inside the
// activity worker; only the final outcome is recorded in history, so retry
// timing never affects replay determinism.
type RetryOptions struct {
	// FirstRetryInterval is the delay floor before the first retry.
	FirstRetryInterval time.Duration

	// MaxAttempts is the total number of attempts (1 = no retry).
	MaxAttempts int

	// BackoffCoefficient multiplies the delay after each attempt.
	// Zero means 2.
	BackoffCoefficient float64
}

// DefaultRetry is the engine-wide default for activities without explicit
// retry policies.
var DefaultRetry = RetryOptions{
	FirstRetryInterval: 15 * time.Second,
	MaxAttempts:        1,
}

// NetworkRetry suits activities with remote side effects.
var NetworkRetry = RetryOptions{
	FirstRetryInterval: 15 * time.Second,
	MaxAttempts:        3,
}

// ReadRetry suits idempotent reads.
var ReadRetry = RetryOptions{
	FirstRetryInterval: 15 * time.Second,
	MaxAttempts:        2,
}

func (o RetryOptions) normalized() RetryOptions {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.FirstRetryInterval <= 0 {
		o.FirstRetryInterval = 15 * time.Second
	}
	if o.BackoffCoefficient <= 0 {
		o.BackoffCoefficient = 2
	}
	return o
}

// delayFor returns the backoff delay before the given retry attempt
// (attempt counts from 1 = first retry).
func (o RetryOptions) delayFor(attempt int) time.Duration {
	d := o.FirstRetryInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * o.BackoffCoefficient)
	}
	return d
}
