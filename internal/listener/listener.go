// Package listener implements the Notification Listener of spec.md §4.5:
// a dedicated (non-pooled) Postgres connection that LISTENs on the
// prefix-scoped channel and turns each NOTIFY into a decoded model.Event
// delivered to a callback, reconnecting with bounded back-off and
// resyncing the local tier on every reconnect.
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/chaliy/pgcache/internal/mlog"
	"github.com/chaliy/pgcache/internal/model"
	"github.com/chaliy/pgcache/internal/retry"
)

// Handler receives a successfully decoded event. It must return quickly:
// the listener's single goroutine blocks on Handler before waiting for
// the next notification.
type Handler func(model.Event)

// Listener owns the dedicated LISTEN connection for one notification
// channel. Unlike the gateway's pooled reads/writes, this connection
// must never be returned to a pool: its session state (the LISTEN
// registration) is exactly what we depend on.
type Listener struct {
	dsn       string
	channel   string
	reconnect retry.Config
	logger    mlog.Logger

	onEvent     Handler
	onResync    func()                          // called once per successful (re)connect, including the first
	onDiscard   func(payload string, err error) // called for a malformed event, in addition to logging
	onReconnect func(err error, delay time.Duration)
}

// New returns a Listener bound to channel on the database at dsn.
// onEvent is called for every well-formed event; onResync is called
// once per successful (re)connect — including the very first — so
// callers can implement the spec's safe resync default (invalidate
// everything, since any events fired while disconnected were missed).
func New(dsn, channel string, reconnect retry.Config, logger mlog.Logger, onEvent Handler, onResync func(), opts ...Option) *Listener {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	l := &Listener{
		dsn:       dsn,
		channel:   channel,
		reconnect: reconnect,
		logger:    logger,
		onEvent:   onEvent,
		onResync:  onResync,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Option configures optional observability hooks on a Listener.
type Option func(*Listener)

// WithDiscardHook registers fn to be called, in addition to the default
// warning log, whenever a malformed notification payload is discarded.
func WithDiscardHook(fn func(payload string, err error)) Option {
	return func(l *Listener) { l.onDiscard = fn }
}

// WithReconnectHook registers fn to be called each time the listener
// schedules a reconnect attempt, mainly so callers can drive a counter
// of their own (spec.md §4.8's listener_reconnects).
func WithReconnectHook(fn func(err error, delay time.Duration)) Option {
	return func(l *Listener) { l.onReconnect = fn }
}

// Run drives the listen loop until ctx is cancelled. Each disconnect
// (including the very first connection attempt) is followed by a
// bounded back-off reconnect; every successful (re)connect triggers
// onResync before any event is delivered, since events that fired while
// disconnected are unrecoverable (spec.md §4.5, §9).
func (l *Listener) Run(ctx context.Context) error {
	backOff := l.reconnect.NewBackOff()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.runOnce(ctx)
		if err == nil {
			return nil // ctx cancelled cleanly inside runOnce
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backOff.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("listener: reconnect attempts exhausted: %w", err)
		}

		l.logger.Errorf("listener: connection lost, reconnecting in %s: %v", delay, err)

		if l.onReconnect != nil {
			l.onReconnect(err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce connects, LISTENs, resyncs, and processes notifications until
// the connection fails or ctx is cancelled. Returns nil only when ctx
// cancellation caused the clean exit.
func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("listener: connect: %w", err)
	}
	defer conn.Close(context.Background()) //nolint:errcheck

	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %s`, quoteIdent(l.channel))); err != nil {
		return fmt.Errorf("listener: listen: %w", err)
	}

	if l.onResync != nil {
		l.onResync()
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("listener: wait for notification: %w", err)
		}

		event, err := model.DecodeEvent([]byte(notification.Payload))
		if err != nil {
			// A malformed event must never crash the listener (spec.md
			// §4.5): log and move on.
			l.logger.Warnf("listener: discarding malformed event: %v (payload=%q)", err, notification.Payload)

			if l.onDiscard != nil {
				l.onDiscard(notification.Payload, err)
			}

			continue
		}

		l.onEvent(event)
	}
}

// quoteIdent double-quotes an identifier for use directly in a LISTEN
// statement, which does not accept a parameter placeholder. A channel
// name derived from the object prefix is already constrained by the
// object-prefix regex (Config.validate); an explicitly configured
// channel is not validated and is only quoted here.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
