// Package pgcache implements a distributed, read-through cache backed by
// PostgreSQL: every process holds a bounded in-memory tier in front of a
// shared Postgres table, kept coherent across processes by a row-level
// trigger that broadcasts mutations over LISTEN/NOTIFY (spec.md §1-§4).
package pgcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaliy/pgcache/internal/coordinator"
	"github.com/chaliy/pgcache/internal/gateway"
	"github.com/chaliy/pgcache/internal/listener"
	"github.com/chaliy/pgcache/internal/mlog"
	"github.com/chaliy/pgcache/internal/model"
	"github.com/chaliy/pgcache/internal/schema"
	"github.com/chaliy/pgcache/internal/store"
)

// dbGateway is the authoritative-tier surface Cache depends on. Declaring
// it here (rather than depending on *gateway.Gateway directly) lets unit
// tests substitute a fake gateway without a database, the same
// dependency-injected-interface shape the teacher's use-case layer tests
// against (RedisRepo, PostgresRepo, ...).
type dbGateway interface {
	Read(ctx context.Context, key []byte) (model.Entry, bool, error)
	Upsert(ctx context.Context, key, value []byte, ttl *time.Duration) (int64, error)
	Delete(ctx context.Context, key []byte) (int64, bool, error)
	Ping(ctx context.Context) error
}

// Loader produces the value for a key on a local-tier and database miss
// (spec.md §4.6). It is invoked at most once per process per key while
// a Get for that key is outstanding.
type Loader[T any] func(ctx context.Context) (T, error)

// Cache is the public read-through cache for values of type T. Construct
// one with New; it owns a connection pool, a bounded local tier, a
// single-flight loader coordinator and (unless disabled) a background
// notification listener, all torn down together by Close.
type Cache[T any] struct {
	cfg   Config
	codec Codec[T]
	names gateway.ObjectNames

	pool  *pgxpool.Pool
	gw    dbGateway
	local *store.Store
	coord *coordinator.Coordinator
	lst   *listener.Listener

	logger mlog.Logger

	stopReaper func()
	stopSweep  func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	closed atomic.Bool
}

// New builds a Cache[T] from opts: dials the pool, ensures the prefixed
// schema exists, and — unless WithDisableNotify(true) was given — starts
// the background notification listener. The returned Cache must be
// closed with Close when no longer needed.
func New[T any](ctx context.Context, opts ...Option) (*Cache[T], error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, configError("dsn", err)
	}

	poolCfg.MaxConns = cfg.PoolSize

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, backendUnavailable("new", nil, err)
	}

	mgr, err := schema.New(pool, cfg.ObjectPrefix)
	if err != nil {
		pool.Close()

		return nil, configError("object_prefix", err)
	}

	if err := mgr.Ensure(ctx); err != nil {
		pool.Close()

		var mismatch *schema.ErrVersionMismatch
		if errors.As(err, &mismatch) {
			return nil, configError("schema_version", err)
		}

		return nil, backendUnavailable("new.ensure_schema", nil, err)
	}

	names := gateway.ObjectNames{
		Table:    cfg.ObjectPrefix + "_entries",
		UpsertFn: cfg.ObjectPrefix + "_upsert",
		DeleteFn: cfg.ObjectPrefix + "_delete",
	}

	localStore, err := store.New(cfg.LocalMaxEntries)
	if err != nil {
		pool.Close()

		return nil, configError("local_max_entries", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())

	gw := gateway.New(pool, names, cfg.GatewayRetry)

	c := &Cache[T]{
		cfg:    cfg,
		codec:  NewMsgpackCodec[T](),
		names:  names,
		pool:   pool,
		gw:     gw,
		local:  localStore,
		coord:  coordinator.New(),
		logger: cfg.Logger,
		cancel: cancel,
	}

	c.stopReaper = localStore.Reaper(cfg.ReaperInterval)

	if cfg.SweepInterval > 0 {
		c.stopSweep = gw.SweepLoop(cfg.SweepInterval, cfg.SweepBatchSize, func(err error) {
			c.logger.Errorf("pgcache: sweep_expired janitor error: %v", err)
		})
	} else {
		c.stopSweep = func() {}
	}

	if !cfg.DisableNotify {
		c.lst = listener.New(cfg.DSN, cfg.NotifyChannel, cfg.ListenerReconnect, cfg.Logger,
			c.handleEvent, c.handleResync,
			listener.WithDiscardHook(func(string, error) { cfg.Metrics.EventDiscarded() }),
			listener.WithReconnectHook(func(error, time.Duration) { cfg.Metrics.ListenerReconnect() }),
		)

		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			if err := c.lst.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Errorf("pgcache: notification listener stopped: %v", err)
			}
		}()
	}

	return c, nil
}

// handleEvent applies a remote mutation event to the local tier. Events
// carry no value bytes (spec.md §6, "keep the bus small"), so an upsert
// can only invalidate, not refresh in place: the next Get re-reads the
// authoritative row, which is guaranteed to be at least as new as the
// version this event reports (spec.md §3's causality guarantee).
func (c *Cache[T]) handleEvent(e model.Event) {
	c.cfg.Metrics.EventReceived()
	c.local.Invalidate(e.Key)
}

// handleResync runs once per successful (re)connect of the notification
// listener, including the first connect. Any events broadcast while
// disconnected are unrecoverable, so the safe default (spec.md §9 Open
// Question, resolved) is to drop every local entry and let subsequent
// Gets repopulate from the authoritative tier.
func (c *Cache[T]) handleResync() {
	c.local.Clear()
}

// GetOption customizes a single Get call.
type GetOption func(*getOptions)

type getOptions struct {
	ttl *time.Duration
}

// WithTTL overrides the cache's default TTL for this Get's loader path
// (the value written when the key is missing and fn runs).
func WithTTL(d time.Duration) GetOption {
	return func(o *getOptions) { o.ttl = &d }
}

// Get returns the cached value for key, invoking fn to populate it on a
// miss (spec.md §4.6, §4.7). Concurrent Gets for the same key in this
// process share a single fn invocation. A failed fn is never cached:
// the very next Get retries it.
func (c *Cache[T]) Get(ctx context.Context, key string, fn Loader[T], opts ...GetOption) (T, error) {
	var zero T

	if c.closed.Load() {
		return zero, closedError("get")
	}

	var getOpts getOptions
	for _, opt := range opts {
		opt(&getOpts)
	}

	keyBytes := []byte(key)

	if entry, ok := c.local.Lookup(keyBytes); ok {
		c.cfg.Metrics.LocalHit()

		v, ok := entry.Value.(T)
		if !ok {
			// Should not happen within one Cache[T] instance, but never
			// trust a cached `any` blindly.
			return zero, encodingError("get", keyBytes, fmt.Errorf("local entry held unexpected type %T", entry.Value))
		}

		return v, nil
	}

	c.cfg.Metrics.LocalMiss()

	requestID := uuid.NewString()
	logger := c.logger.WithFields("request_id", requestID, "key", key)

	result, _, err := c.coord.Do(ctx, keyBytes, func(loaderCtx context.Context) (any, error) {
		return c.loadAndInstall(loaderCtx, keyBytes, fn, getOpts, logger)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, cancelledError("get", keyBytes, err)
		}

		var pgErr *Error
		if errors.As(err, &pgErr) {
			return zero, err
		}

		return zero, backendUnavailable("get", keyBytes, err)
	}

	v, ok := result.(T)
	if !ok {
		return zero, encodingError("get", keyBytes, fmt.Errorf("loader result held unexpected type %T", result))
	}

	return v, nil
}

// loadAndInstall is the coordinator.Loader body shared by every waiter
// on a Get miss: try the authoritative tier first, fall back to fn, and
// install whatever is found into the local tier before returning it.
func (c *Cache[T]) loadAndInstall(ctx context.Context, key []byte, fn Loader[T], opts getOptions, logger mlog.Logger) (any, error) {
	entry, found, err := c.gw.Read(ctx, key)

	c.cfg.Metrics.DBRead()

	if err != nil {
		if c.cfg.ServeStaleOnError {
			if stale, ok := c.local.LookupStale(key); ok {
				logger.Warnf("pgcache: serving stale value after backend error: %v", err)

				return stale.Value, nil
			}
		}

		return nil, err
	}

	if found {
		value, decodeErr := c.codec.Decode(entry.Value)
		if decodeErr != nil {
			return nil, &Error{Kind: KindEncoding, Op: "get", Key: key, Err: decodeErr}
		}

		c.local.Install(key, model.LocalEntry{
			Value:      value,
			Version:    entry.Version,
			ExpiresAt:  entry.ExpiresAt,
			InsertedAt: time.Now(),
		})

		return value, nil
	}

	c.cfg.Metrics.LoaderInvocation()

	value, loadErr := fn(ctx)
	if loadErr != nil {
		return nil, wrapLoaderError(key, loadErr)
	}

	payload, encodeErr := c.codec.Encode(value)
	if encodeErr != nil {
		return nil, &Error{Kind: KindEncoding, Op: "get", Key: key, Err: encodeErr}
	}

	ttl := opts.ttl
	if ttl == nil {
		ttl = c.cfg.DefaultTTL
	}

	version, upsertErr := c.gw.Upsert(ctx, key, payload, ttl)

	c.cfg.Metrics.DBWrite()

	if upsertErr != nil {
		return nil, upsertErr
	}

	var expiresAt *time.Time

	if ttl != nil {
		t := time.Now().Add(*ttl)
		expiresAt = &t
	}

	c.local.Install(key, model.LocalEntry{
		Value:      value,
		Version:    version,
		ExpiresAt:  expiresAt,
		InsertedAt: time.Now(),
	})

	return value, nil
}

// Set writes value for key unconditionally (spec.md §4.7), bypassing any
// loader, and installs it into the local tier under the version the
// database assigned. An explicit ttl overrides the cache's default.
// Concurrent Sets on the same key in this process are serialized by the
// coordinator, the same single-flight gate Get's miss path uses, so two
// overlapping Set(k, ...) calls never race their upserts against each
// other.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl ...time.Duration) error {
	if c.closed.Load() {
		return closedError("set")
	}

	keyBytes := []byte(key)

	effectiveTTL := c.cfg.DefaultTTL
	if len(ttl) > 0 {
		effectiveTTL = &ttl[0]
	}

	var err error

	// A call that joins another caller's in-flight ticket only receives
	// that caller's outcome; this Set's own upsert has not run, so go
	// round again until it does.
	for {
		var shared bool

		_, err, shared = c.coord.Do(ctx, keyBytes, func(loaderCtx context.Context) (any, error) {
			return c.encodeAndUpsert(loaderCtx, keyBytes, value, effectiveTTL)
		})
		if !shared || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return cancelledError("set", keyBytes, err)
		}

		var pgErr *Error
		if errors.As(err, &pgErr) {
			return err
		}

		return backendUnavailable("set", keyBytes, err)
	}

	return nil
}

// encodeAndUpsert is the coordinator.Loader body shared by every waiter
// on a Set for the same key: encode, upsert to the authoritative tier,
// and install the result into the local tier before returning.
func (c *Cache[T]) encodeAndUpsert(ctx context.Context, key []byte, value T, ttl *time.Duration) (any, error) {
	payload, err := c.codec.Encode(value)
	if err != nil {
		return nil, &Error{Kind: KindEncoding, Op: "set", Key: key, Err: err}
	}

	version, err := c.gw.Upsert(ctx, key, payload, ttl)

	c.cfg.Metrics.DBWrite()

	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time

	if ttl != nil {
		t := time.Now().Add(*ttl)
		expiresAt = &t
	}

	c.local.Install(key, model.LocalEntry{
		Value:      value,
		Version:    version,
		ExpiresAt:  expiresAt,
		InsertedAt: time.Now(),
	})

	return value, nil
}

// Delete removes key from the authoritative tier and the local tier.
// Peer processes learn of the deletion via the broadcast trigger.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if c.closed.Load() {
		return closedError("delete")
	}

	keyBytes := []byte(key)

	_, _, err := c.gw.Delete(ctx, keyBytes)

	c.cfg.Metrics.DBWrite()

	if err != nil {
		return backendUnavailable("delete", keyBytes, err)
	}

	c.local.Invalidate(keyBytes)

	return nil
}

// Invalidate drops key from this process's local tier only, without
// touching the authoritative row. Mainly useful for tests and for
// callers who already know the database value changed out-of-band.
func (c *Cache[T]) Invalidate(key string) {
	c.local.Invalidate([]byte(key))
}

// Ping round-trips the database connection pool.
func (c *Cache[T]) Ping(ctx context.Context) error {
	if err := c.gw.Ping(ctx); err != nil {
		return backendUnavailable("ping", nil, err)
	}

	return nil
}

// Stats is a point-in-time snapshot of the local tier, supplementing the
// Prometheus counters (spec.md §4.8) with a cheap synchronous read.
type Stats struct {
	LocalEntries int
}

// Stats returns a snapshot of the local tier's current size.
func (c *Cache[T]) Stats() Stats {
	return Stats{LocalEntries: c.local.Len()}
}

// Close stops the background listener and reaper and closes the
// connection pool. Close is idempotent; subsequent calls return nil.
func (c *Cache[T]) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()
	c.stopReaper()
	c.stopSweep()

	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.pool.Close()

		return ctx.Err()
	}

	c.pool.Close()

	return nil
}
