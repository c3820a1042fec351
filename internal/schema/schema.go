// Package schema owns the idempotent creation of the per-prefix database
// objects spec.md §4.1 and §6 describe: the entries table, its
// expires_at index, the upsert/delete stored procedures, the
// AFTER INSERT OR UPDATE OR DELETE broadcast trigger, and the metadata
// row that gates future (re-)initialization.
package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CurrentVersion is the schema version this build of pgcache creates
// and expects. A metadata row reporting a different version is a
// ConfigError-worthy mismatch (spec.md §9: "require an out-of-band
// migration").
const CurrentVersion = 1

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,30}$`)

// ErrVersionMismatch is returned by Ensure when an existing metadata row
// reports a schema_version this build does not know how to speak to.
type ErrVersionMismatch struct {
	Prefix  string
	Found   int
	Current int
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("schema: prefix %q has schema_version %d, this build expects %d; needs an out-of-band migration",
		e.Prefix, e.Found, e.Current)
}

// Manager creates and validates the database objects for one object
// prefix. It is safe to call Ensure concurrently and repeatedly: only
// the first caller (per prefix, database-wide) performs DDL; everyone
// else observes the metadata row and returns.
type Manager struct {
	pool   *pgxpool.Pool
	prefix string
}

// New validates prefix and returns a Manager bound to it. Prefix
// validity (spec.md §6 regex) is re-checked here defensively even
// though Config.validate already enforces it, since Manager may be
// constructed directly in tests.
func New(pool *pgxpool.Pool, prefix string) (*Manager, error) {
	if !identifierPattern.MatchString(prefix) {
		return nil, fmt.Errorf("schema: invalid object prefix %q", prefix)
	}

	return &Manager{pool: pool, prefix: prefix}, nil
}

func (m *Manager) names() objectNames {
	return objectNames{
		Table:          m.prefix + "_entries",
		ExpiresIdx:     m.prefix + "_entries_expires_at_idx",
		VersionSeq:     m.prefix + "_version_seq",
		UpsertFn:       m.prefix + "_upsert",
		DeleteFn:       m.prefix + "_delete",
		BroadcastFn:    m.prefix + "_broadcast",
		BroadcastTrig:  m.prefix + "_broadcast_trg",
		Meta:           m.prefix + "_meta",
		NotifyChannel:  m.prefix + "_events",
	}
}

type objectNames struct {
	Table, ExpiresIdx, VersionSeq       string
	UpsertFn, DeleteFn                  string
	BroadcastFn, BroadcastTrig          string
	Meta, NotifyChannel                 string
}

// Ensure idempotently creates every database object for the prefix, or
// validates that a compatible schema already exists. It must be called
// before any gateway operation against this prefix.
func (m *Manager) Ensure(ctx context.Context) error {
	n := m.names()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("schema: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Take a transaction-scoped advisory lock keyed on the prefix before
	// touching the meta table or row. The meta table is empty on a prefix's
	// very first Ensure(), so "SELECT ... FOR UPDATE" below matches zero rows
	// and locks nothing; without this, two concurrent first-time Ensure()
	// calls would both fall through to the DDL branch and race each
	// other's CREATE TABLE / CREATE TRIGGER / INSERT INTO meta. The advisory
	// lock doesn't depend on row existence, so it serializes that case too.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, m.prefix); err != nil {
		return fmt.Errorf("schema: acquire prefix lock: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (schema_version INT NOT NULL, created_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
		n.Meta,
	)); err != nil {
		return fmt.Errorf("schema: create meta table: %w", err)
	}

	// Lock the meta row (if any) for the duration of the transaction so
	// two processes racing Ensure() serialize instead of both attempting
	// DDL.
	var found int
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT schema_version FROM %s LIMIT 1 FOR UPDATE`, n.Meta)).Scan(&found)

	switch {
	case err == nil:
		if found != CurrentVersion {
			return &ErrVersionMismatch{Prefix: m.prefix, Found: found, Current: CurrentVersion}
		}

		return tx.Commit(ctx)
	case errors.Is(err, pgx.ErrNoRows):
		// First Ensure() for this prefix: build everything.
	default:
		return fmt.Errorf("schema: read meta: %w", err)
	}

	for _, stmt := range ddlStatements(n) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema: apply ddl: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (schema_version) VALUES ($1)`, n.Meta), CurrentVersion); err != nil {
		return fmt.Errorf("schema: record schema version: %w", err)
	}

	return tx.Commit(ctx)
}

func ddlStatements(n objectNames) []string {
	return []string{
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, n.VersionSeq),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key BYTEA PRIMARY KEY,
			value BYTEA NULL,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NULL
		)`, n.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`, n.ExpiresIdx, n.Table),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s(p_key BYTEA, p_value BYTEA, p_ttl INTERVAL)
			RETURNS BIGINT AS $$
			DECLARE
				v_version BIGINT;
				v_expires_at TIMESTAMPTZ;
			BEGIN
				IF p_ttl IS NULL THEN
					v_expires_at := NULL;
				ELSE
					v_expires_at := now() + p_ttl;
				END IF;

				-- nextval() is deliberately not called until the INSERT/ON CONFLICT
				-- below: ON CONFLICT's conflict resolution locks the existing row
				-- before evaluating DO UPDATE SET, so assigning the version there
				-- (rather than computing it up front) ties version order to
				-- lock/commit order instead of letting two concurrent upserts race
				-- nextval() ahead of the row lock.
				INSERT INTO %s (key, value, version, created_at, expires_at)
				VALUES (p_key, p_value, nextval('%s'), now(), v_expires_at)
				ON CONFLICT (key) DO UPDATE SET
					value = EXCLUDED.value,
					version = nextval('%s'),
					created_at = EXCLUDED.created_at,
					expires_at = EXCLUDED.expires_at
				RETURNING version INTO v_version;

				RETURN v_version;
			END;
			$$ LANGUAGE plpgsql`, n.UpsertFn, n.Table, n.VersionSeq, n.VersionSeq),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s(p_key BYTEA)
			RETURNS BIGINT AS $$
			DECLARE
				v_version BIGINT;
			BEGIN
				SELECT version INTO v_version FROM %s WHERE key = p_key;

				IF v_version IS NULL THEN
					RETURN NULL;
				END IF;

				DELETE FROM %s WHERE key = p_key;

				RETURN v_version;
			END;
			$$ LANGUAGE plpgsql`, n.DeleteFn, n.Table, n.Table),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
			DECLARE
				v_payload JSON;
				v_row RECORD;
			BEGIN
				IF TG_OP = 'DELETE' THEN
					v_row := OLD;
				ELSE
					v_row := NEW;
				END IF;

				v_payload := json_build_object(
					'op', CASE WHEN TG_OP = 'DELETE' THEN 'delete' ELSE 'upsert' END,
					'key', encode(v_row.key, 'base64'),
					'version', v_row.version,
					'expires_at', to_char(v_row.expires_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
				);

				PERFORM pg_notify('%s', v_payload::text);

				RETURN v_row;
			END;
			$$ LANGUAGE plpgsql`, n.BroadcastFn, n.NotifyChannel),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, n.BroadcastTrig, n.Table),
		fmt.Sprintf(`CREATE TRIGGER %s
			AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s()`, n.BroadcastTrig, n.Table, n.BroadcastFn),
	}
}
