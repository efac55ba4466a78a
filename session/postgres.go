package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresBackend stores entries in the session_kv table, one row per
// (namespace, key). Expired rows read as missing and are removed by
// [PostgresBackend.PurgeExpired].
type PostgresBackend struct {
	db        *sql.DB
	namespace string
	now       func() time.Time
}

// NewPostgresBackend ensures the schema and returns a backend writing under
// namespace.
func NewPostgresBackend(ctx context.Context, db *sql.DB, namespace string) (*PostgresBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if namespace == "" {
		namespace = "default"
	}
	b := &PostgresBackend{db: db, namespace: namespace, now: time.Now}
	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS session_kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	PRIMARY KEY (namespace, key)
)`
	if _, err := b.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("ensure session_kv schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value, expires_at FROM session_kv WHERE namespace = $1 AND key = $2`
	var value string
	var expires sql.NullTime
	err := b.db.QueryRowContext(ctx, q, b.namespace, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: query session_kv: %v", ErrBackendUnavailable, err)
	}
	if expires.Valid && !b.now().Before(expires.Time) {
		return "", false, nil
	}
	return value, true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key, value string, maxAge time.Duration) error {
	const q = `
INSERT INTO session_kv (namespace, key, value, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	var expires sql.NullTime
	if maxAge > 0 {
		expires = sql.NullTime{Time: b.now().Add(maxAge).UTC(), Valid: true}
	}
	if _, err := b.db.ExecContext(ctx, q, b.namespace, key, value, expires); err != nil {
		return fmt.Errorf("%w: upsert session_kv: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	const q = `DELETE FROM session_kv WHERE namespace = $1 AND key = ANY($2)`
	if _, err := b.db.ExecContext(ctx, q, b.namespace, pq.Array(keys)); err != nil {
		return fmt.Errorf("%w: delete session_kv: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// PurgeExpired deletes expired rows across all namespaces and returns how many
// were removed.
func (b *PostgresBackend) PurgeExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM session_kv WHERE expires_at IS NOT NULL AND expires_at <= $1`
	res, err := b.db.ExecContext(ctx, q, b.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge session_kv: %w", err)
	}
	return res.RowsAffected()
}
