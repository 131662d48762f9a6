package sync

import (
	"context"
	"errors"
	"math"
	"time"

	"charsync/domain"
)

// RetryPolicy is the uniform retry wrapper around every protocol handler.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 250ms initial delay, 2x
// multiplier, 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// NextDelay returns the backoff before the given attempt (1-indexed),
// capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times with backoff between attempts.
// Non-retryable errors abort immediately; the last error is returned once
// attempts are exhausted.
func (p RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(p.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Retryable classifies errors for the handler retry policy. Malformed
// input and unresolvable conflicts never change on redelivery; transport
// problems might.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var msgErr *domain.MessageError
	if errors.As(err, &msgErr) {
		return false
	}
	var conflictErr *domain.ConflictError
	if errors.As(err, &conflictErr) {
		return false
	}
	return true
}
