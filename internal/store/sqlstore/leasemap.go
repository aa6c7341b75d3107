package sqlstore

import (
	"context"
	"time"
)

// SQLLeaseMap implements coordinator.LeaseMap against the kernel_lease
// table, for single-node or Redis-less deployments that run
// KERNEL_STORE=sql. It is defined here rather than in internal/coordinator
// to avoid that package depending on pgx; coordinator only needs the
// three-method LeaseMap interface this type satisfies structurally.
type SQLLeaseMap struct {
	store *Store
}

// NewSQLLeaseMap builds a SQLLeaseMap backed by st's connection pool.
func NewSQLLeaseMap(st *Store) *SQLLeaseMap {
	return &SQLLeaseMap{store: st}
}

// Get returns the current value stored under key, if any.
func (m *SQLLeaseMap) Get(key string) (string, bool) {
	var value string
	err := m.store.pool.QueryRow(context.Background(),
		`SELECT value FROM kernel_lease WHERE lease_key = $1`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetIfNotExists inserts value under key only if no row exists yet.
func (m *SQLLeaseMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	tag, err := m.store.pool.Exec(ctx,
		`INSERT INTO kernel_lease (lease_key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (lease_key) DO NOTHING`, key, value, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TestAndSet atomically replaces key's value with newValue if and only
// if its current value equals test, returning the value observed before
// the attempt (equal to test on success, the actual current value on a
// lost race).
func (m *SQLLeaseMap) TestAndSet(ctx context.Context, key, test, newValue string) (string, error) {
	tx, err := m.store.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current string
	err = tx.QueryRow(ctx, `SELECT value FROM kernel_lease WHERE lease_key = $1 FOR UPDATE`, key).Scan(&current)
	if err != nil {
		return "", err
	}
	if current != test {
		return current, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE kernel_lease SET value = $1, updated_at = $2 WHERE lease_key = $3`,
		newValue, time.Now().UTC(), key); err != nil {
		return "", err
	}
	return current, tx.Commit(ctx)
}
