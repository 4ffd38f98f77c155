// Package resilience implements the bounded-attempt exponential backoff
// retry helper and the three-state circuit breaker that wraps it.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorClass selects which error kinds are retried.
type ErrorClass int

const (
	ClassNetwork ErrorClass = iota
	ClassFileSystem
	ClassAll
)

// RetryableError lets a caller-supplied error declare which ErrorClass it
// belongs to; errors that don't implement this are treated as ClassAll.
type RetryableError interface {
	RetryClass() ErrorClass
}

// RetryConfig controls the delay schedule: d_i = min(max_delay,
// base_delay * multiplier^i). With Jitter set, each delay Retry waits is
// drawn uniformly from [0.7*d_i, 1.3*d_i] (so it can exceed MaxDelay by up
// to 30%); it is not the additive Uniform(0, 0.3*d_i) form of jitterDelay.
// Without Jitter the delay is d_i exactly.
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	RetryOn           ErrorClass
}

// FastRetryConfig is tuned for low-latency local operations.
func FastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryOn:           ClassAll,
	}
}

// NetworkRetryConfig is tuned for flaky network operations.
func NetworkRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryOn:           ClassNetwork,
	}
}

// CommandRetryConfig is tuned for retrying external command invocations.
func CommandRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
		RetryOn:           ClassAll,
	}
}

func classOf(err error) ErrorClass {
	var re RetryableError
	if errors.As(err, &re) {
		return re.RetryClass()
	}
	return ClassAll
}

func (c RetryConfig) matches(err error) bool {
	if c.RetryOn == ClassAll {
		return true
	}
	return classOf(err) == c.RetryOn
}

// backoffFor builds a cenkalti/backoff exponential policy matching cfg's
// delay schedule, bounded to cfg.MaxAttempts tries.
func (c RetryConfig) backoffFor() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.BaseDelay
	eb.MaxInterval = c.MaxDelay
	eb.Multiplier = c.BackoffMultiplier
	if c.Jitter {
		eb.RandomizationFactor = 0.3
	} else {
		eb.RandomizationFactor = 0
	}
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not elapsed time
	var bo backoff.BackOff = eb
	if c.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(maxI(c.MaxAttempts-1, 0)))
	}
	return bo
}

// Retry invokes op until it succeeds, ctx is cancelled, cfg.MaxAttempts is
// exhausted, or op returns an error outside cfg.RetryOn's class (returned
// immediately, uncounted).
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	bo := backoff.WithContext(cfg.backoffFor(), ctx)
	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !cfg.matches(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// jitterDelay returns d plus Uniform(0, 0.3*d) when jitter is set, and d
// otherwise. Retry does not call it: its jitter comes from the backoff
// policy built by backoffFor.
func jitterDelay(d time.Duration, jitter bool) time.Duration {
	if !jitter {
		return d
	}
	extra := time.Duration(rand.Float64() * 0.3 * float64(d))
	return d + extra
}

func maxI(a, b int) int {
	if a > b {
		return a
	}
	return b
}
