package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/replica/internal/syncerr"
)

// Well-known meta keys.
const (
	MetaDeviceID          = "device_id"
	MetaEpoch             = "epoch"
	MetaLocalTick         = "local_tick"
	MetaAuthorityHWM      = "authority_high_water"
	MetaRemediationCursor = "remediation_cursor"
)

// Tx is a single atomic unit of work against the store.
// A Tx must not be used after the function passed to Update or View returns.
type Tx struct {
	tx       *sql.Tx
	readOnly bool
}

// Update runs fn inside a read-write transaction. The transaction commits
// only if fn returns nil; any error rolls back every statement fn issued.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Corruption(err, "begin tx")
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{tx: sqlTx, readOnly: readOnly}); err != nil {
		return err
	}

	if readOnly {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return syncerr.Corruption(err, "commit")
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	if t.readOnly {
		return 0, syncerr.Invariant("%s: write inside read-only transaction", op)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, syncerr.Corruption(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.Corruption(err, op+": rows affected")
	}
	return n, nil
}

func (t *Tx) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Corruption(err, op)
	}
	return rows, nil
}

// queryRow scans a single row. found is false when no row matched.
func (t *Tx) queryRow(ctx context.Context, op, query string, args []any, dest ...any) (found bool, err error) {
	err = t.tx.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, syncerr.Corruption(err, op)
	}
	return true, nil
}

// GetMeta returns the value stored under key.
func (t *Tx) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	found, err := t.queryRow(ctx, "get meta", `SELECT value FROM meta WHERE key = ?`, []any{key}, &value)
	return value, found, err
}

// SetMeta stores value under key.
func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	_, err := t.exec(ctx, "set meta", `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMetaUint returns an integer meta value, or 0 when unset.
func (t *Tx) GetMetaUint(ctx context.Context, key string) (uint64, error) {
	raw, found, err := t.GetMeta(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.CodeCorruption, err, "meta %q holds %q", key, raw)
	}
	return v, nil
}

// SetMetaUint stores an integer meta value.
func (t *Tx) SetMetaUint(ctx context.Context, key string, v uint64) error {
	return t.SetMeta(ctx, key, strconv.FormatUint(v, 10))
}

// CountRows returns the number of rows in table. Only tables named in the
// schema are accepted.
func (t *Tx) CountRows(ctx context.Context, table string) (int64, error) {
	if !knownTables[table] {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	_, err := t.queryRow(ctx, "count rows", "SELECT COUNT(*) FROM "+table, nil, &n)
	return n, err
}

var knownTables = map[string]bool{
	"meta": true, "store_index": true, "version": true, "max_tick": true,
	"knowledge": true, "received_knowledge": true, "immigrant_version": true,
	"immigrant_knowledge": true, "sender_filter": true, "sender_device": true,
	"collector_filter": true, "received_filter_index": true, "collector_queue": true,
	"alias": true, "object_attr": true, "content_attr": true, "prefix": true,
	"backup_tick": true, "expelled": true, "activity_log": true, "push_queue": true,
}
