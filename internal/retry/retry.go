// Package retry wraps github.com/cenkalti/backoff/v4 with the bounded
// exponential back-off policy spec.md §4.3 and §4.5 require for gateway
// transient reads and listener reconnection.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config describes a bounded exponential back-off schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// Default retry policy: a handful of fast retries bounded well under
// typical request timeouts.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultJitterFactor   = 0.25
)

// DefaultConfig returns the retry policy used for gateway reads unless
// the caller overrides it.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// ListenerConfig returns the retry policy used for notification listener
// reconnection: longer-spaced attempts than a read retry and no limit on
// their number, since a disconnected listener degrades the cache to
// direct-read mode rather than failing a caller outright.
func ListenerConfig() Config {
	return Config{
		MaxRetries:     0, // 0 == unbounded; the listener retries for the life of the facade
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c Config) WithMaxRetries(n int) Config     { c.MaxRetries = n; return c }
func (c Config) WithInitialBackoff(d time.Duration) Config { c.InitialBackoff = d; return c }
func (c Config) WithMaxBackoff(d time.Duration) Config     { c.MaxBackoff = d; return c }
func (c Config) WithJitterFactor(f float64) Config         { c.JitterFactor = f; return c }

// Validate reports whether the config describes a usable schedule.
func (c Config) Validate() error {
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("retry: InitialBackoff must be > 0, got %s", c.InitialBackoff)
	}

	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("retry: MaxBackoff must be >= InitialBackoff, got %s < %s", c.MaxBackoff, c.InitialBackoff)
	}

	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("retry: JitterFactor must be in [0,1], got %v", c.JitterFactor)
	}

	return nil
}

// NewBackOff returns a fresh, stateful backoff.BackOff for callers (like
// the listener) that need to track elapsed attempts across a long-lived
// retry loop themselves, rather than through Do's single fn invocation.
// WithMaxRetries is intentionally NOT applied here when MaxRetries <= 0:
// the listener's reconnect loop is meant to retry for the life of the
// process.
func (c Config) NewBackOff() backoff.BackOff {
	return c.backoff()
}

func (c Config) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.RandomizationFactor = c.JitterFactor
	b.MaxElapsedTime = 0 // bounded by MaxRetries, not wall-clock time

	if c.MaxRetries <= 0 {
		return b
	}

	return backoff.WithMaxRetries(b, uint64(c.MaxRetries))
}

// Permanent marks an error as not worth retrying (e.g. a write whose
// commit status is unknown, or a non-idempotent failure).
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn under the config's back-off schedule, retrying while fn
// returns a non-permanent error, until success, a Permanent error, the
// retry budget is exhausted, or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		return fn()
	}

	err := backoff.Retry(op, backoff.WithContext(cfg.backoff(), ctx))
	if err == nil {
		return nil
	}

	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Unwrap()
	}

	return err
}
