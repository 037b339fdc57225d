// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience holds the retry loop and the per-provider circuit
// breaker used on the hosted dispatch path.
package resilience

import (
	"context"
	stderrors "errors"
	"math/rand/v2"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
)

// RetryConfig is an exponential backoff policy. The zero value makes a
// single attempt.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by up to ±Jitter of itself.
	Jitter float64

	// IsRecoverable decides whether an error is worth another attempt.
	// Nil retries only RavenErrors marked Recoverable: hosted calls may
	// have side effects, so an unknown failure is never replayed.
	IsRecoverable func(error) bool
	// OnRetry runs before attempt (1-based count of retries) starts.
	OnRetry func(attempt int, lastErr error)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig { rc.MaxAttempts = n; return rc }

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig { rc.InitialDelay = d; return rc }

func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig { rc.MaxDelay = d; return rc }

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

func (rc RetryConfig) WithOnRetry(fn func(attempt int, lastErr error)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do runs fn until it succeeds, fails unrecoverably or runs out of
// attempts, and returns the last error. A context that ends while waiting
// for the next attempt yields CANCELLED or TIMEOUT.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	_, err := Retry(ctx, rc, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Retry is Do for functions that produce a value.
func Retry[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = Recoverable
	}
	attempts := max(rc.MaxAttempts, 1)

	var (
		v   T
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, err)
			}
			if werr := sleep(ctx, rc.backoff(attempt)); werr != nil {
				var zero T
				return zero, werr.WithContext("attempt", attempt).WithContext("max_attempts", attempts)
			}
		}
		if v, err = fn(); err == nil || !recoverable(err) {
			return v, err
		}
	}
	return v, err
}

// Recoverable reports whether err is a RavenError marked Recoverable.
func Recoverable(err error) bool {
	var re *errors.RavenError
	return stderrors.As(err, &re) && re.Recoverable
}

// backoff is InitialDelay·Multiplier^(attempt-1), capped by MaxDelay and
// then jittered.
func (rc RetryConfig) backoff(attempt int) time.Duration {
	mult := rc.Multiplier
	if mult == 0 {
		mult = 2
	}
	d := float64(rc.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if rc.MaxDelay > 0 && d >= float64(rc.MaxDelay) {
			break
		}
	}
	if rc.MaxDelay > 0 && d > float64(rc.MaxDelay) {
		d = float64(rc.MaxDelay)
	}
	if rc.Jitter > 0 {
		d += d * rc.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(max(d, 0))
}

func sleep(ctx context.Context, d time.Duration) *errors.RavenError {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New(errors.CodeTimeout, "deadline exceeded between retries", ctx.Err())
		}
		return errors.New(errors.CodeCancelled, "cancelled between retries", ctx.Err())
	}
}
