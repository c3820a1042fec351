// Package gateway is the thin wrapper over a pooled Postgres connection
// that spec.md §4.3 calls the Database Gateway: select_row, upsert,
// delete, bulk_get and scan_expired, each a single round trip. Upsert
// and delete call the stored procedures the schema manager installs;
// the reads and the sweep query the entries table directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaliy/pgcache/internal/model"
	"github.com/chaliy/pgcache/internal/retry"
)

// Gateway owns the connection pool and the prefix-scoped SQL object
// names produced by the schema manager.
type Gateway struct {
	pool   *pgxpool.Pool
	names  ObjectNames
	retry  retry.Config
}

// ObjectNames is the subset of schema.objectNames the gateway needs to
// address the prefixed table and functions. Kept separate from package
// schema to avoid an import cycle (schema doesn't need to know how the
// gateway issues queries, and the gateway doesn't need DDL).
type ObjectNames struct {
	Table    string
	UpsertFn string
	DeleteFn string
}

// New returns a Gateway bound to pool and the given object names, using
// retryCfg for transient-error retries on idempotent reads.
func New(pool *pgxpool.Pool, names ObjectNames, retryCfg retry.Config) *Gateway {
	return &Gateway{pool: pool, names: names, retry: retryCfg}
}

// Read performs read(key) -> Entry from spec.md §4.3: a single-row
// SELECT filtered by expires_at, so rows past TTL read as absent.
// Transient connection errors are retried with bounded back-off since a
// read is always safe to repeat.
func (g *Gateway) Read(ctx context.Context, key []byte) (model.Entry, bool, error) {
	var entry model.Entry
	found := false

	err := retry.Do(ctx, g.retry, func() error {
		query := fmt.Sprintf(
			`SELECT key, value, version, created_at, expires_at FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
			g.names.Table,
		)

		row := g.pool.QueryRow(ctx, query, key)

		var e model.Entry
		if err := row.Scan(&e.Key, &e.Value, &e.Version, &e.CreatedAt, &e.ExpiresAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				found = false

				return nil
			}

			return fmt.Errorf("gateway: read: %w", err)
		}

		entry = e
		found = true

		return nil
	})

	return entry, found, err
}

// BulkRead performs bulk_get(keys) -> mapping from spec.md §4.3 in one
// query.
func (g *Gateway) BulkRead(ctx context.Context, keys [][]byte) (map[string]model.Entry, error) {
	out := make(map[string]model.Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	err := retry.Do(ctx, g.retry, func() error {
		query := fmt.Sprintf(
			`SELECT key, value, version, created_at, expires_at FROM %s WHERE key = ANY($1) AND (expires_at IS NULL OR expires_at > now())`,
			g.names.Table,
		)

		rows, err := g.pool.Query(ctx, query, keys)
		if err != nil {
			return fmt.Errorf("gateway: bulk_read: %w", err)
		}
		defer rows.Close()

		result := make(map[string]model.Entry, len(keys))

		for rows.Next() {
			var e model.Entry
			if err := rows.Scan(&e.Key, &e.Value, &e.Version, &e.CreatedAt, &e.ExpiresAt); err != nil {
				return fmt.Errorf("gateway: bulk_read scan: %w", err)
			}

			result[string(e.Key)] = e
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("gateway: bulk_read rows: %w", err)
		}

		out = result

		return nil
	})

	return out, err
}

// Upsert performs upsert(key, payload, ttl) -> version from spec.md
// §4.3: one round trip to the stored procedure, returning the freshly
// assigned version. Writes are NOT retried here: a connection failure
// mid-write leaves the caller unable to prove the transaction didn't
// commit, so retrying could double-apply. Callers that can prove
// non-commitment (e.g. a dial failure before any bytes were sent) may
// retry at a higher layer.
func (g *Gateway) Upsert(ctx context.Context, key, value []byte, ttl *time.Duration) (int64, error) {
	query := fmt.Sprintf(`SELECT %s($1, $2, $3)`, g.names.UpsertFn)

	var ttlArg any
	if ttl != nil {
		ttlArg = *ttl
	}

	var version int64
	if err := g.pool.QueryRow(ctx, query, key, value, ttlArg).Scan(&version); err != nil {
		return 0, fmt.Errorf("gateway: upsert: %w", err)
	}

	return version, nil
}

// Delete performs delete(key) -> version|none from spec.md §4.3.
func (g *Gateway) Delete(ctx context.Context, key []byte) (int64, bool, error) {
	query := fmt.Sprintf(`SELECT %s($1)`, g.names.DeleteFn)

	var version *int64
	if err := g.pool.QueryRow(ctx, query, key).Scan(&version); err != nil {
		return 0, false, fmt.Errorf("gateway: delete: %w", err)
	}

	if version == nil {
		return 0, false, nil
	}

	return *version, true, nil
}

// SweepExpired performs scan_expired(batch) -> count, an optional
// background task (spec.md §4.3) that proactively removes rows already
// past their TTL rather than waiting for them to be read-as-absent.
func (g *Gateway) SweepExpired(ctx context.Context, batch int) (int, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE key IN (SELECT key FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now() LIMIT $1)`,
		g.names.Table, g.names.Table,
	)

	tag, err := g.pool.Exec(ctx, query, batch)
	if err != nil {
		return 0, fmt.Errorf("gateway: sweep_expired: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// SweepLoop runs SweepExpired on a ticker until stopped, the gateway-side
// counterpart to the Local Store's Reaper. onErr (if non-nil) is called
// with any SweepExpired error; the loop keeps ticking regardless.
func (g *Gateway) SweepLoop(interval time.Duration, batch int, onErr func(error)) (stop func()) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := g.SweepExpired(context.Background(), batch); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}()

	return func() { close(done) }
}

// Ping round-trips the pool, used by the facade's Ping liveness check.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}
