package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// OIDColumn names one column that holds an OID of a store.
type OIDColumn struct {
	Table  string
	Column string
}

func (c OIDColumn) String() string { return c.Table + "." + c.Column }

// OIDColumns lists every (table, column) pair that references an object.
// Every OID rewrite must cover all of them.
var OIDColumns = []OIDColumn{
	{"object_attr", "oid"},
	{"object_attr", "parent"},
	{"content_attr", "oid"},
	{"prefix", "oid"},
	{"backup_tick", "oid"},
	{"version", "oid"},
	{"max_tick", "oid"},
	{"immigrant_version", "oid"},
	{"collector_queue", "oid"},
	{"alias", "source_oid"},
	{"alias", "target_oid"},
	{"expelled", "oid"},
	{"activity_log", "oid"},
	{"push_queue", "oid"},
}

// RewriteOID replaces from with to in every referencing column of a store
// and returns the rows touched per column. Row counts are not checked: a
// table without a reference simply reports zero.
func (t *Tx) RewriteOID(ctx context.Context, sidx ids.SIndex, from, to ids.OID) (map[string]int64, error) {
	counts := make(map[string]int64, len(OIDColumns))
	for _, c := range OIDColumns {
		n, err := t.exec(ctx, "rewrite "+c.String(),
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE sidx = ? AND %s = ?`, c.Table, c.Column, c.Column),
			to, sidx, from)
		if err != nil {
			return counts, err
		}
		counts[c.String()] = n
	}
	slog.Debug("oid rewritten", "sidx", sidx, "from", from, "to", to, "rows", counts)
	return counts, nil
}

// CountOIDReferences returns the rows that still reference oid per column,
// omitting columns with none.
func (t *Tx) CountOIDReferences(ctx context.Context, sidx ids.SIndex, oid ids.OID) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, c := range OIDColumns {
		var n int64
		if _, err := t.queryRow(ctx, "count "+c.String(),
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE sidx = ? AND %s = ?`, c.Table, c.Column),
			[]any{sidx, oid}, &n); err != nil {
			return nil, err
		}
		if n > 0 {
			counts[c.String()] = n
		}
	}
	return counts, nil
}

// ObjectExists reports whether any column of the store references oid.
func (t *Tx) ObjectExists(ctx context.Context, sidx ids.SIndex, oid ids.OID) (bool, error) {
	counts, err := t.CountOIDReferences(ctx, sidx, oid)
	return len(counts) > 0, err
}

// DistinctOIDs returns every OID referenced by the store's object_attr and
// version tables, in byte order.
func (t *Tx) DistinctOIDs(ctx context.Context, sidx ids.SIndex) ([]ids.OID, error) {
	rows, err := t.query(ctx, "list oids", `
		SELECT oid FROM object_attr WHERE sidx = ?
		UNION
		SELECT oid FROM version WHERE sidx = ?
		ORDER BY oid
	`, sidx, sidx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ids.OID{}
	for rows.Next() {
		var oid ids.OID
		if err := rows.Scan(&oid); err != nil {
			return nil, syncerr.Corruption(err, "scan oid")
		}
		out = append(out, oid)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate oids")
	}
	return out, nil
}

// Column returns the registered column of table, panicking on a typo.
func Column(table, column string) OIDColumn {
	for _, c := range OIDColumns {
		if c.Table == table && c.Column == column {
			return c
		}
	}
	panic(fmt.Sprintf("store: %s.%s does not reference objects", table, column))
}

// MergeOIDColumns rewrites from to to in the listed columns only. A row
// whose rewritten key already exists for to is dropped: the target's row
// wins.
func (t *Tx) MergeOIDColumns(ctx context.Context, sidx ids.SIndex, from, to ids.OID, cols ...OIDColumn) (map[string]int64, error) {
	counts := make(map[string]int64, len(cols))
	for _, c := range cols {
		n, err := t.exec(ctx, "merge "+c.String(),
			fmt.Sprintf(`UPDATE OR IGNORE %s SET %s = ? WHERE sidx = ? AND %s = ?`, c.Table, c.Column, c.Column),
			to, sidx, from)
		if err != nil {
			return counts, err
		}
		if _, err := t.exec(ctx, "drop merged "+c.String(),
			fmt.Sprintf(`DELETE FROM %s WHERE sidx = ? AND %s = ?`, c.Table, c.Column),
			sidx, from); err != nil {
			return counts, err
		}
		counts[c.String()] = n
	}
	return counts, nil
}

// DeleteOIDRows deletes the rows of oid from the listed columns and returns
// the rows removed per column.
func (t *Tx) DeleteOIDRows(ctx context.Context, sidx ids.SIndex, oid ids.OID, cols ...OIDColumn) (map[string]int64, error) {
	counts := make(map[string]int64, len(cols))
	for _, c := range cols {
		n, err := t.exec(ctx, "delete "+c.String(),
			fmt.Sprintf(`DELETE FROM %s WHERE sidx = ? AND %s = ?`, c.Table, c.Column), sidx, oid)
		if err != nil {
			return counts, err
		}
		counts[c.String()] = n
	}
	return counts, nil
}
