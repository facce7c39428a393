package retry

import (
	"context"
	"time"
)

// Options controls how Do retries.
type Options struct {
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration
	// OnRetry, if set, is called before each wait with the attempt number
	// (starting at 0) and the error that triggered the retry.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Option configures Do.
type Option func(*Options)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithBaseWait sets the wait before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(o *Options) {
		o.BaseWait = d
	}
}

// WithMaxWait caps the wait between retries.
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) {
		o.MaxWait = d
	}
}

// WithOnRetry registers a hook invoked before each retry wait.
func WithOnRetry(fn func(attempt int, wait time.Duration, err error)) Option {
	return func(o *Options) {
		o.OnRetry = fn
	}
}

// Backoff returns min(base * 2^attempt, max). A zero max disables the cap.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := base
	for i := 0; i < attempt; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
		if wait <= 0 {
			// overflow
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// or the retry budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	options := Options{
		MaxRetries: 3,
		BaseWait:   time.Second,
		MaxWait:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRecoverable(err) || attempt >= options.MaxRetries {
			return err
		}
		wait := Backoff(attempt, options.BaseWait, options.MaxWait)
		if options.OnRetry != nil {
			options.OnRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
