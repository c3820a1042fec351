// Package coordinator implements the single-flight loader coordination
// of spec.md §4.6: for any key missing from the local tier, at most one
// loader call is in flight per process; concurrent callers wait on an
// in-flight ticket and share its outcome. A failed loader is never
// cached — the ticket is destroyed so the very next call re-invokes the
// loader (spec.md §8, "No error caching").
package coordinator

import (
	"context"
	"sync"
)

// Loader produces a value for a key the caller is responsible for
// loading. It must respect ctx cancellation: when this call's caller is
// the promoted initiator and its context is cancelled, the coordinator
// stops waiting on this invocation's result and promotes the next
// waiter, but the goroutine already running Loader is only told to stop
// via ctx — it is the Loader's job to return promptly once ctx is done.
type Loader func(ctx context.Context) (any, error)

// Coordinator deduplicates concurrent Loader invocations per key. A
// single mutex guards the ticket table and every ticket's waiter list;
// critical sections are a handful of slice/map operations, never the
// loader call itself (spec.md §9, "avoid holding the map lock across
// the loader call").
type Coordinator struct {
	mu      sync.Mutex
	tickets map[string]*ticket
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{tickets: make(map[string]*ticket)}
}

type result struct {
	value any
	err   error
}

type waiter struct {
	ctx      context.Context
	resultCh chan result
}

// ticket is the in-flight coordination record from spec.md §3: a list
// of waiters, the first of which (by arrival order) drives the current
// loader attempt.
type ticket struct {
	waiters []*waiter
}

// Do joins (or starts) the in-flight loader call for key. The first
// caller to arrive for a key becomes its initiator and actually invokes
// fn; later callers for the same key, in the same process, wait for
// that outcome instead of invoking fn themselves. shared reports
// whether this call observed an already-in-flight ticket (true) or
// started one (false) — mainly useful for tests asserting single-flight
// behavior.
func (c *Coordinator) Do(ctx context.Context, key []byte, fn Loader) (value any, err error, shared bool) {
	ks := string(key)
	w := &waiter{ctx: ctx, resultCh: make(chan result, 1)}

	c.mu.Lock()
	t, existed := c.tickets[ks]
	if !existed {
		t = &ticket{}
		c.tickets[ks] = t
	}
	t.waiters = append(t.waiters, w)
	c.mu.Unlock()

	if !existed {
		go c.run(ks, t, fn)
	}

	select {
	case res := <-w.resultCh:
		return res.value, res.err, existed
	case <-ctx.Done():
		c.removeWaiter(ks, t, w)

		return nil, ctx.Err(), existed
	}
}

// run drives the attempt loop for ticket t: it repeatedly promotes the
// first remaining waiter to initiator, invokes fn under that waiter's
// context, and on completion delivers the outcome to every waiter
// registered at that moment, then destroys the ticket (so a failure is
// never cached — the next Do starts a fresh attempt). If the driving
// waiter's own context is cancelled before fn returns, that attempt is
// abandoned via context cancellation and, if other waiters remain, one
// of them is promoted and fn is re-invoked.
func (c *Coordinator) run(key string, t *ticket, fn Loader) {
	for {
		c.mu.Lock()
		if len(t.waiters) == 0 {
			c.deleteLocked(key, t)
			c.mu.Unlock()

			return
		}

		driver := t.waiters[0]
		c.mu.Unlock()

		attemptCtx, cancel := context.WithCancel(driver.ctx)
		done := make(chan result, 1)

		go func() {
			v, err := fn(attemptCtx)
			done <- result{value: v, err: err}
		}()

		select {
		case res := <-done:
			cancel()

			if driver.ctx.Err() == nil {
				c.mu.Lock()
				waiters := t.waiters
				t.waiters = nil
				c.deleteLocked(key, t)
				c.mu.Unlock()

				for _, w := range waiters {
					w.resultCh <- res
				}

				return
			}
			// fn returned after the driver's context was cancelled (usually
			// because of it): abandon the attempt as below.
		case <-driver.ctx.Done():
			cancel()
		}

		c.mu.Lock()
		removeFromSlice(t, driver)
		c.mu.Unlock()

		driver.resultCh <- result{err: driver.ctx.Err()}
		// Loop again under c.mu: if other waiters remain, one is
		// promoted to initiator and fn is re-invoked; otherwise the
		// next iteration's empty check destroys the ticket.
	}
}

// deleteLocked removes key's ticket from the table, but only if it is
// still t: must be called with c.mu held.
func (c *Coordinator) deleteLocked(key string, t *ticket) {
	if c.tickets[key] == t {
		delete(c.tickets, key)
	}
}

func (c *Coordinator) removeWaiter(key string, t *ticket, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removeFromSlice(t, w)
}

func removeFromSlice(t *ticket, target *waiter) {
	for i, w := range t.waiters {
		if w == target {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)

			return
		}
	}
}

// InFlight reports whether key currently has a ticket, for tests.
func (c *Coordinator) InFlight(key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.tickets[string(key)]

	return ok
}
