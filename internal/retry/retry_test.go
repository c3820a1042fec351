package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
}

func TestConfigChaining(t *testing.T) {
	cfg := DefaultConfig().
		WithMaxRetries(3).
		WithInitialBackoff(time.Millisecond).
		WithMaxBackoff(10 * time.Millisecond).
		WithJitterFactor(0)

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 10*time.Millisecond, cfg.MaxBackoff)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, DefaultConfig().WithJitterFactor(2).Validate())
	assert.Error(t, DefaultConfig().WithMaxBackoff(0).WithInitialBackoff(time.Second).Validate())
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := DefaultConfig().WithInitialBackoff(time.Millisecond).WithMaxBackoff(2 * time.Millisecond).WithMaxRetries(5)

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}

		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := DefaultConfig().WithInitialBackoff(time.Millisecond).WithMaxBackoff(2 * time.Millisecond)

	sentinel := errors.New("fatal")
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsRetries(t *testing.T) {
	cfg := DefaultConfig().WithInitialBackoff(time.Millisecond).WithMaxBackoff(2 * time.Millisecond).WithMaxRetries(2)

	attempts := 0
	sentinel := errors.New("always fails")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestDoRespectsCancellation(t *testing.T) {
	cfg := DefaultConfig().WithInitialBackoff(time.Millisecond).WithMaxBackoff(2 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, cfg, func() error {
		t.Fatal("fn should not run after ctx is cancelled")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}
