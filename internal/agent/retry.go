package agent

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how often a call is repeated inside its timeout budget.
// MaxAttempts counts the first call, so 1 disables retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// NoRetry is the policy for calls that must be attempted once (payment).
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// NewRetryPolicy doubles the delay after every attempt, capped at ten times
// the first delay.
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     10 * initialDelay,
	}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
// Only agent errors that allow an automatic retry qualify.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	var ae *AgentError
	return errors.As(err, &ae) && ae.ShouldAutoRetry()
}

// NextDelay is the pause after attempt (1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// fits reports whether sleeping d still leaves part of the ctx budget for
// another attempt.
func fits(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return !ok || time.Until(deadline) > d
}
