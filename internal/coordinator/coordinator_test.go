package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAndShare(t *testing.T) {
	c := New()

	var invocations int32

	release := make(chan struct{})

	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&invocations, 1)
		<-release

		return "value", nil
	}

	const n = 50

	var wg sync.WaitGroup

	results := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			v, err := c.do(context.Background(), []byte("k"), loader)
			errs[i] = err

			if v != nil {
				results[i] = v.(string)
			}
		}(i)
	}

	// Give every goroutine a chance to register as a waiter before the
	// loader is allowed to complete.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations), "exactly one loader invocation expected")

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "value", results[i])
	}
}

// do is a small test-only helper that discards the `shared` return.
func (c *Coordinator) do(ctx context.Context, key []byte, fn Loader) (any, error) {
	v, err, _ := c.Do(ctx, key, fn)

	return v, err
}

func TestNoErrorCaching(t *testing.T) {
	c := New()

	sentinel := errors.New("boom")
	attempts := 0

	loader := func(ctx context.Context) (any, error) {
		attempts++

		return nil, sentinel
	}

	_, err, shared := c.Do(context.Background(), []byte("k"), loader)
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, shared)

	assert.False(t, c.InFlight([]byte("k")), "ticket must be destroyed on loader failure")

	_, err, shared = c.Do(context.Background(), []byte("k"), loader)
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, shared)
	assert.Equal(t, 2, attempts, "the next Get must re-invoke the loader, not reuse a cached error")
}

func TestSharedReflectsJoiningLateness(t *testing.T) {
	c := New()

	started := make(chan struct{})
	release := make(chan struct{})

	loader := func(ctx context.Context) (any, error) {
		close(started)
		<-release

		return "v", nil
	}

	var wg sync.WaitGroup

	var firstShared, secondShared bool

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, _, firstShared = c.Do(context.Background(), []byte("k"), loader)
	}()

	<-started

	wg.Add(1)

	go func() {
		defer wg.Done()

		_, _, secondShared = c.Do(context.Background(), []byte("k"), loader)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.False(t, firstShared)
	assert.True(t, secondShared)
}

func TestCancellationPromotesNextWaiter(t *testing.T) {
	c := New()

	var invocations int32

	block := make(chan struct{})

	loader := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&invocations, 1)
		if n == 1 {
			// First attempt blocks until its own context is cancelled.
			<-ctx.Done()

			return nil, ctx.Err()
		}

		return "second-attempt-value", nil
	}

	ctx1, cancel1 := context.WithCancel(context.Background())

	type out struct {
		v   any
		err error
	}

	ch1 := make(chan out, 1)
	ch2 := make(chan out, 1)

	go func() {
		v, err, _ := c.Do(ctx1, []byte("k"), loader)
		ch1 <- out{v, err}
	}()

	time.Sleep(20 * time.Millisecond) // ensure goroutine 1 registers first

	go func() {
		v, err, _ := c.Do(context.Background(), []byte("k"), loader)
		ch2 <- out{v, err}
	}()

	time.Sleep(20 * time.Millisecond) // ensure goroutine 2 registers as waiter
	cancel1()

	r1 := <-ch1
	require.Error(t, r1.err)

	r2 := <-ch2
	require.NoError(t, r2.err)
	assert.Equal(t, "second-attempt-value", r2.v)

	assert.Equal(t, int32(2), atomic.LoadInt32(&invocations))
	_ = block
}
