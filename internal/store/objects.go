package store

import (
	"context"
	"time"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/syncerr"
)

// ObjectType is the kind recorded in object_attr.
type ObjectType int

const (
	ObjectFile   ObjectType = 0
	ObjectFolder ObjectType = 1
	ObjectAnchor ObjectType = 2
)

func (o ObjectType) String() string {
	switch o {
	case ObjectFile:
		return "file"
	case ObjectFolder:
		return "folder"
	case ObjectAnchor:
		return "anchor"
	}
	return "unknown"
}

// ObjectAttr is the meta row of one object.
type ObjectAttr struct {
	SOID   ids.SOID
	Type   ObjectType
	Parent ids.OID
	Name   string
	Flags  int64
}

// PutObjectAttr inserts or replaces the attributes of an object.
func (t *Tx) PutObjectAttr(ctx context.Context, a ObjectAttr) error {
	_, err := t.exec(ctx, "put object attr", `
		INSERT INTO object_attr (sidx, oid, type, parent, name, flags) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sidx, oid) DO UPDATE SET
			type = excluded.type, parent = excluded.parent,
			name = excluded.name, flags = excluded.flags
	`, a.SOID.SIdx, a.SOID.OID, a.Type, a.Parent, a.Name, a.Flags)
	return err
}

// ObjectAttrOf returns the attributes of an object.
func (t *Tx) ObjectAttrOf(ctx context.Context, soid ids.SOID) (ObjectAttr, bool, error) {
	a := ObjectAttr{SOID: soid}
	found, err := t.queryRow(ctx, "get object attr", `
		SELECT type, parent, name, flags FROM object_attr WHERE sidx = ? AND oid = ?
	`, []any{soid.SIdx, soid.OID}, &a.Type, &a.Parent, &a.Name, &a.Flags)
	return a, found, err
}

// ObjectAttrs returns every object of every store ordered by key.
func (t *Tx) ObjectAttrs(ctx context.Context) ([]ObjectAttr, error) {
	rows, err := t.query(ctx, "list object attrs", `
		SELECT sidx, oid, type, parent, name, flags FROM object_attr ORDER BY sidx, oid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ObjectAttr{}
	for rows.Next() {
		var a ObjectAttr
		if err := rows.Scan(&a.SOID.SIdx, &a.SOID.OID, &a.Type, &a.Parent, &a.Name, &a.Flags); err != nil {
			return nil, syncerr.Corruption(err, "scan object attr")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate object attrs")
	}
	return out, nil
}

// ContentAttr describes one materialized branch of a file.
type ContentAttr struct {
	SOID   ids.SOID
	KIdx   ids.KIndex
	Length int64
	Hash   []byte
	MTime  int64
}

// PutContentAttr inserts or replaces a content branch.
func (t *Tx) PutContentAttr(ctx context.Context, c ContentAttr) error {
	_, err := t.exec(ctx, "put content attr", `
		INSERT INTO content_attr (sidx, oid, kidx, length, hash, mtime) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sidx, oid, kidx) DO UPDATE SET
			length = excluded.length, hash = excluded.hash, mtime = excluded.mtime
	`, c.SOID.SIdx, c.SOID.OID, c.KIdx, c.Length, c.Hash, c.MTime)
	return err
}

// ContentAttrOf returns one content branch.
func (t *Tx) ContentAttrOf(ctx context.Context, soid ids.SOID, kidx ids.KIndex) (ContentAttr, bool, error) {
	c := ContentAttr{SOID: soid, KIdx: kidx}
	found, err := t.queryRow(ctx, "get content attr", `
		SELECT length, hash, mtime FROM content_attr WHERE sidx = ? AND oid = ? AND kidx = ?
	`, []any{soid.SIdx, soid.OID, kidx}, &c.Length, &c.Hash, &c.MTime)
	return c, found, err
}

// PutPrefix records a partially downloaded branch.
func (t *Tx) PutPrefix(ctx context.Context, soid ids.SOID, kidx ids.KIndex, length int64) error {
	_, err := t.exec(ctx, "put prefix", `
		INSERT INTO prefix (sidx, oid, kidx, length) VALUES (?, ?, ?, ?)
		ON CONFLICT(sidx, oid, kidx) DO UPDATE SET length = excluded.length
	`, soid.SIdx, soid.OID, kidx, length)
	return err
}

// PutBackupTick records the tick a component was last backed up at.
func (t *Tx) PutBackupTick(ctx context.Context, socid ids.SOCID, tick ids.Tick) error {
	if tick == 0 {
		return syncerr.Invariant("put backup tick: zero tick for %s", socid)
	}
	_, err := t.exec(ctx, "put backup tick", `
		INSERT INTO backup_tick (sidx, oid, cid, tick) VALUES (?, ?, ?, ?)
		ON CONFLICT(sidx, oid, cid) DO UPDATE SET tick = excluded.tick
	`, socid.SIdx, socid.OID, socid.CID, tick)
	return err
}

// SetExpelled marks or clears the expulsion flag of an object.
func (t *Tx) SetExpelled(ctx context.Context, soid ids.SOID, expelled bool) error {
	if expelled {
		_, err := t.exec(ctx, "expel", `
			INSERT INTO expelled (sidx, oid) VALUES (?, ?) ON CONFLICT(sidx, oid) DO NOTHING
		`, soid.SIdx, soid.OID)
		return err
	}
	_, err := t.exec(ctx, "unexpel", `DELETE FROM expelled WHERE sidx = ? AND oid = ?`, soid.SIdx, soid.OID)
	return err
}

// IsExpelled reports whether an object is expelled.
func (t *Tx) IsExpelled(ctx context.Context, soid ids.SOID) (bool, error) {
	var one int
	return t.queryRow(ctx, "is expelled", `
		SELECT 1 FROM expelled WHERE sidx = ? AND oid = ?
	`, []any{soid.SIdx, soid.OID}, &one)
}

// ActivityEntry is one row of the activity log.
type ActivityEntry struct {
	Idx  int64
	SOID ids.SOID
	Type int
	Path string
	DID  ids.DID
	Time time.Time
}

// AppendActivity adds a row to the activity log.
func (t *Tx) AppendActivity(ctx context.Context, e ActivityEntry) error {
	_, err := t.exec(ctx, "append activity", `
		INSERT INTO activity_log (sidx, oid, type, path, did, time) VALUES (?, ?, ?, ?, ?, ?)
	`, e.SOID.SIdx, e.SOID.OID, e.Type, e.Path, e.DID, e.Time.UnixNano())
	return err
}

// ActivityFor returns the activity rows of an object, oldest first.
func (t *Tx) ActivityFor(ctx context.Context, soid ids.SOID) ([]ActivityEntry, error) {
	rows, err := t.query(ctx, "list activity", `
		SELECT idx, sidx, oid, type, path, did, time FROM activity_log
		WHERE sidx = ? AND oid = ?
		ORDER BY idx
	`, soid.SIdx, soid.OID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ActivityEntry{}
	for rows.Next() {
		var e ActivityEntry
		var nanos int64
		if err := rows.Scan(&e.Idx, &e.SOID.SIdx, &e.SOID.OID, &e.Type, &e.Path, &e.DID, &nanos); err != nil {
			return nil, syncerr.Corruption(err, "scan activity")
		}
		e.Time = time.Unix(0, nanos).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate activity")
	}
	return out, nil
}

// PushEntry is one component awaiting submission to the authority.
type PushEntry struct {
	Idx   int64
	SOCID ids.SOCID
}

// EnqueuePush schedules a component for authority submission.
func (t *Tx) EnqueuePush(ctx context.Context, socid ids.SOCID) error {
	_, err := t.exec(ctx, "enqueue push", `
		INSERT INTO push_queue (sidx, oid, cid) VALUES (?, ?, ?)
		ON CONFLICT(sidx, oid, cid) DO NOTHING
	`, socid.SIdx, socid.OID, socid.CID)
	return err
}

// PushBatch returns up to limit queued components in enqueue order.
func (t *Tx) PushBatch(ctx context.Context, limit int) ([]PushEntry, error) {
	rows, err := t.query(ctx, "list push queue", `
		SELECT idx, sidx, oid, cid FROM push_queue ORDER BY idx LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []PushEntry{}
	for rows.Next() {
		var e PushEntry
		if err := rows.Scan(&e.Idx, &e.SOCID.SIdx, &e.SOCID.OID, &e.SOCID.CID); err != nil {
			return nil, syncerr.Corruption(err, "scan push queue")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate push queue")
	}
	return out, nil
}

// DeletePush removes one queued component. Exactly one row must match.
func (t *Tx) DeletePush(ctx context.Context, idx int64) error {
	n, err := t.exec(ctx, "delete push", `DELETE FROM push_queue WHERE idx = ?`, idx)
	if err != nil {
		return err
	}
	if n != 1 {
		return syncerr.RowCount("delete push", 1, n)
	}
	return nil
}

// PutAlias records that source was merged into target.
func (t *Tx) PutAlias(ctx context.Context, sidx ids.SIndex, source, target ids.OID) error {
	if source == target {
		return syncerr.Invariant("alias %s to itself", source)
	}
	_, err := t.exec(ctx, "put alias", `
		INSERT INTO alias (sidx, source_oid, target_oid) VALUES (?, ?, ?)
		ON CONFLICT(sidx, source_oid) DO UPDATE SET target_oid = excluded.target_oid
	`, sidx, source, target)
	return err
}

// AliasTarget returns the direct target of source.
func (t *Tx) AliasTarget(ctx context.Context, sidx ids.SIndex, source ids.OID) (ids.OID, bool, error) {
	var target ids.OID
	found, err := t.queryRow(ctx, "get alias", `
		SELECT target_oid FROM alias WHERE sidx = ? AND source_oid = ?
	`, []any{sidx, source}, &target)
	return target, found, err
}

// AliasSources returns every OID aliased directly to target.
func (t *Tx) AliasSources(ctx context.Context, sidx ids.SIndex, target ids.OID) ([]ids.OID, error) {
	rows, err := t.query(ctx, "list alias sources", `
		SELECT source_oid FROM alias WHERE sidx = ? AND target_oid = ? ORDER BY source_oid
	`, sidx, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ids.OID{}
	for rows.Next() {
		var oid ids.OID
		if err := rows.Scan(&oid); err != nil {
			return nil, syncerr.Corruption(err, "scan alias source")
		}
		out = append(out, oid)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Corruption(err, "iterate alias sources")
	}
	return out, nil
}

// RetargetAliases points every alias whose target is from at to.
func (t *Tx) RetargetAliases(ctx context.Context, sidx ids.SIndex, from, to ids.OID) (int64, error) {
	return t.exec(ctx, "retarget aliases", `
		UPDATE alias SET target_oid = ? WHERE sidx = ? AND target_oid = ?
	`, to, sidx, from)
}
