package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is the backoff schedule shared by store-call retries, feed
// redelivery and dispatcher restarts.
type RetryConfig struct {
	// MaxAttempts bounds Do and DoVal, counting the first call. Default: 3.
	MaxAttempts int

	// InitialBackoff is the first delay. Default: 50ms.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay. Default: 2s.
	MaxBackoff time.Duration

	// Multiplier grows the delay per retry. Default: 2.0.
	Multiplier float64

	// JitterFraction spreads Do and DoVal delays by ±fraction. Default: 0.25.
	JitterFraction float64

	// ShouldRetry replaces IsTransient when set.
	ShouldRetry func(err error) bool

	// OnRetry observes each retry before its delay.
	OnRetry func(retry int, err error)
}

// DefaultRetryConfig returns the backoff used for store calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	c.JitterFraction = max(c.JitterFraction, 0)
	return c
}

// Backoff returns the delay before the given retry (1 for the first),
// without jitter.
func Backoff(cfg RetryConfig, retry int) time.Duration {
	cfg = cfg.withDefaults()
	d := cfg.InitialBackoff
	for i := 1; i < retry && d < cfg.MaxBackoff; i++ {
		d = time.Duration(float64(d) * cfg.Multiplier)
	}
	return min(d, cfg.MaxBackoff)
}

// jitter spreads d by ±fraction.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return max(time.Duration(float64(d)+(rand.Float64()*2-1)*spread), 0)
}

// Sleep waits for d and reports false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Do calls fn until it succeeds, fails with an error that is not worth
// retrying, runs out of attempts, or ctx ends. The last error is returned.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = IsTransient
	}

	for retry := 1; ; retry++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if retry >= cfg.MaxAttempts || ctx.Err() != nil || !retryable(err) {
			var zero T
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(retry, err)
		}
		if !Sleep(ctx, jitter(Backoff(cfg, retry), cfg.JitterFraction)) {
			var zero T
			return zero, err
		}
	}
}

// RetryLogger returns an OnRetry callback that logs each retried store call.
func RetryLogger(component, operation string) func(int, error) {
	return func(retry int, err error) {
		zap.L().Warn("retrying store call",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.Error(err),
		)
	}
}
