// Package harness runs multi-device replication scenarios.
//
// Every device of a scenario gets its own in-memory store and engine. The
// devices gossip through an in-process transport that still round-trips
// every message through the wire encoding, so a scenario exercises the same
// code paths as a deployment, minus the network.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/replica/internal/engine"
	"github.com/roach88/replica/internal/gossip"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/retry"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
)

// CodeUnreachable is reported for steps that failed because a peer was down.
const CodeUnreachable = "UNREACHABLE"

// queueScan bounds the collector entries one materialize step walks.
const queueScan = 1 << 12

type device struct {
	name    string
	did     ids.DID
	store   *store.Store
	engine  *engine.Engine
	session *gossip.Session
	metrics *metrics.Metrics
}

// Harness is the scenario execution engine.
type Harness struct {
	scenario  *Scenario
	transport *gossip.MemTransport
	devices   map[string]*device
	stores    map[string]ids.SID
	names     *names
	collision int
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh in-memory databases for isolation.
// Identifiers are derived from scenario names, so two runs of the same
// scenario produce identical state.
//
// Execution flow:
// 1. Open one store and engine per device
// 2. Execute steps, comparing failures against expect_error
// 3. Evaluate assertions
// 4. Capture the final state of every device
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := &Harness{
		scenario:  scenario,
		transport: gossip.NewMemTransport(),
		devices:   map[string]*device{},
		stores:    map[string]ids.SID{},
		names:     newNames(),
	}
	defer h.close()

	for _, name := range scenario.Stores {
		h.stores[name] = h.names.sid(name)
	}
	for _, name := range scenario.Devices {
		if err := h.open(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to open device %s: %w", name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		detail, err := h.execute(ctx, step)
		ev := TraceEvent{Action: step.Action, Device: step.Device, Detail: detail}
		if err != nil {
			ev.Error = errorCode(err)
		}
		result.AddTrace(ev)

		switch {
		case err != nil && step.ExpectError == "":
			result.AddError(fmt.Sprintf("steps[%d] %s on %s failed: %v", i, step.Action, step.Device, err))
		case err == nil && step.ExpectError != "":
			result.AddError(fmt.Sprintf("steps[%d] %s on %s: expected error %s, got success", i, step.Action, step.Device, step.ExpectError))
		case err != nil && ev.Error != step.ExpectError:
			result.AddError(fmt.Sprintf("steps[%d] %s on %s: expected error %s, got %s: %v", i, step.Action, step.Device, step.ExpectError, ev.Error, err))
		}
	}

	for _, msg := range h.evaluate(ctx, scenario.Assertions, result.Trace) {
		result.AddError(msg)
	}

	snap, err := h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}
	result.State = snap
	return result, nil
}

func (h *Harness) open(ctx context.Context, name string) error {
	s, err := store.Open(":memory:")
	if err != nil {
		return err
	}
	m := metrics.Nop()
	eng, err := engine.Open(ctx, s, h.names.did(name),
		engine.WithMetrics(m),
		engine.WithMaxDeltas(h.scenario.MaxDeltas),
	)
	if err != nil {
		s.Close()
		return err
	}
	err = s.Update(ctx, func(tx *store.Tx) error {
		for _, sname := range h.scenario.Stores {
			if _, err := tx.EnsureSIndex(ctx, h.stores[sname]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.Close()
		return err
	}

	backoff := retry.Backoff{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2, Op: "harness.pull"}
	d := &device{
		name:    name,
		did:     eng.DID(),
		store:   s,
		engine:  eng,
		session: gossip.NewSession(eng, h.transport, gossip.WithBackoff(backoff)),
		metrics: m,
	}
	h.transport.Register(d.did, eng)
	h.devices[name] = d
	return nil
}

func (h *Harness) close() {
	for _, d := range h.devices {
		if err := d.store.Close(); err != nil {
			slog.Warn("closing device store", "device", d.name, "error", err)
		}
	}
}

func (h *Harness) coordinator(d *device, opts ...migration.Option) *migration.Coordinator {
	opts = append([]migration.Option{
		migration.WithMetrics(d.metrics),
		migration.WithOIDSource(func() ids.OID {
			h.collision++
			return h.names.oid(fmt.Sprintf("collision-%d", h.collision))
		}),
	}, opts...)
	return migration.New(d.did, d.engine.Filters(), d.engine.Collector(), opts...)
}

func (h *Harness) storeOf(name string) string {
	if name == "" {
		return h.scenario.Stores[0]
	}
	return name
}

// sidx resolves a store name on one device.
func (h *Harness) sidx(ctx context.Context, tx *store.Tx, name string) (ids.SIndex, error) {
	sidx, found, err := tx.SIndexOf(ctx, h.stores[h.storeOf(name)])
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, syncerr.New(syncerr.CodeNotFound, "store %s", name)
	}
	return sidx, nil
}

func (h *Harness) socid(ctx context.Context, tx *store.Tx, storeName, object, component string) (ids.SOCID, error) {
	sidx, err := h.sidx(ctx, tx, storeName)
	if err != nil {
		return ids.SOCID{}, err
	}
	cid, err := parseComponent(component)
	if err != nil {
		return ids.SOCID{}, err
	}
	return ids.SOCID{SIdx: sidx, OID: h.names.oid(object), CID: cid}, nil
}

// execute runs one step and returns a short summary of its effect.
func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	d := h.devices[step.Device]
	repeat := max(step.Repeat, 1)

	switch step.Action {
	case ActionUpdate:
		var socid ids.SOCID
		if err := d.store.View(ctx, func(tx *store.Tx) error {
			var err error
			socid, err = h.socid(ctx, tx, step.Store, step.Object, step.Component)
			return err
		}); err != nil {
			return "", err
		}
		var tick ids.Tick
		for range repeat {
			var err error
			if tick, err = d.engine.LocalUpdate(ctx, socid); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("tick=%d", tick), nil

	case ActionPull:
		res, err := d.session.Pull(ctx, h.devices[step.Peer].did, h.stores[h.storeOf(step.Store)])
		return fmt.Sprintf("batches=%d deltas=%d kml=%d", res.Batches, res.Deltas, res.KMLAdded), err

	case ActionRound:
		var peers []ids.DID
		for _, name := range h.scenario.Devices {
			if name != d.name {
				peers = append(peers, h.devices[name].did)
			}
		}
		var stores []ids.SID
		for _, name := range h.scenario.Stores {
			stores = append(stores, h.stores[name])
		}
		round := gossip.NewRound(d.session, 0, 1, 1)
		deltas := 0
		for range repeat {
			results, err := round.Run(ctx, gossip.Targets(peers, stores))
			for _, r := range results {
				deltas += r.Deltas
			}
			if err != nil {
				return fmt.Sprintf("deltas=%d", deltas), err
			}
		}
		return fmt.Sprintf("deltas=%d", deltas), nil

	case ActionMaterialize:
		return h.materialize(ctx, d, step)

	case ActionKML:
		var added version.Version
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			socid, err := h.socid(ctx, tx, step.Store, step.Object, step.Component)
			if err != nil {
				return err
			}
			added, err = vv.AddKML(ctx, tx, socid, version.Version{h.devices[step.Of].did: ids.Tick(step.Tick)})
			if err != nil || added.IsZero() {
				return err
			}
			_, err = d.engine.Collector().Enqueue(ctx, tx, socid)
			return err
		})
		return fmt.Sprintf("added=%d", added.Len()), err

	case ActionKnowledge:
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			sidx, err := h.sidx(ctx, tx, step.Store)
			if err != nil {
				return err
			}
			_, err = knowledge.Advance(ctx, tx, sidx, h.devices[step.Of].did, ids.Tick(step.Tick))
			return err
		})
		return "", err

	case ActionAlias:
		var res migration.AliasResult
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			sidx, err := h.sidx(ctx, tx, step.Store)
			if err != nil {
				return err
			}
			res, err = h.coordinator(d).Alias(ctx, tx, sidx, h.names.oid(step.Object), h.names.oid(step.Target))
			return err
		})
		added := 0
		for _, n := range res.AddedKML {
			added += n
		}
		return fmt.Sprintf("kml=%d", added), err

	case ActionImmigrate:
		var res migration.Immigration
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			from, err := h.sidx(ctx, tx, step.Store)
			if err != nil {
				return err
			}
			to, err := h.sidx(ctx, tx, step.To)
			if err != nil {
				return err
			}
			res, err = h.coordinator(d).Immigrate(ctx, tx, ids.SOID{SIdx: from, OID: h.names.oid(step.Object)}, to)
			return err
		})
		return fmt.Sprintf("links=%d", len(res.Links)), err

	case ActionAnchor:
		var socid ids.SOCID
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			var err error
			if socid, err = h.socid(ctx, tx, step.Store, step.Object, "meta"); err != nil {
				return err
			}
			return tx.PutObjectAttr(ctx, store.ObjectAttr{
				SOID: ids.SOID{SIdx: socid.SIdx, OID: socid.OID},
				Type: store.ObjectAnchor,
				Name: step.Object,
			})
		})
		if err != nil {
			return "", err
		}
		tick, err := d.engine.LocalUpdate(ctx, socid)
		return fmt.Sprintf("tick=%d", tick), err

	case ActionFixAnchors:
		var fixes []migration.Fix
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			var err error
			fixes, err = h.coordinator(d).FixAllAnchorOIDs(ctx, tx)
			return err
		})
		return fmt.Sprintf("fixed=%d", len(fixes)), err

	case ActionRemediate:
		var ghosts []migration.GhostSpec
		for _, g := range step.Ghosts {
			ghosts = append(ghosts, migration.GhostSpec{DID: h.devices[g.Of].did, Tick: ids.Tick(g.Tick)})
		}
		coord := h.coordinator(d, migration.WithGhosts(ghosts...))
		var rep migration.GhostReport
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			found, err := coord.FindOwnGhosts(ctx, tx)
			if err != nil {
				return err
			}
			rep, err = coord.RemoveGhostTicks(ctx, tx, found)
			return err
		})
		return fmt.Sprintf("removed=%d epoch=%d", rep.Removed, rep.Epoch), err

	case ActionForceFull:
		return "", d.store.Update(ctx, func(tx *store.Tx) error {
			return d.engine.Filters().SetAllFull(ctx, tx)
		})

	case ActionRebuild:
		var queued int
		err := d.store.Update(ctx, func(tx *store.Tx) error {
			if err := tx.RebuildMaxTicks(ctx); err != nil {
				return err
			}
			var err error
			queued, err = d.engine.Collector().Rebuild(ctx, tx)
			return err
		})
		return fmt.Sprintf("queued=%d", queued), err

	case ActionDown:
		h.transport.SetDown(d.did, true)
		return "", nil

	case ActionUp:
		h.transport.SetDown(d.did, false)
		return "", nil
	}
	return "", fmt.Errorf("unknown action %q", step.Action)
}

// materialize fetches the pending KML of one component, or of every
// queued component of the store when no object is named.
func (h *Harness) materialize(ctx context.Context, d *device, step Step) (string, error) {
	type pending struct {
		socid ids.SOCID
		kml   version.Version
	}
	var todo []pending
	err := d.store.View(ctx, func(tx *store.Tx) error {
		var socids []ids.SOCID
		if step.Object != "" {
			socid, err := h.socid(ctx, tx, step.Store, step.Object, step.Component)
			if err != nil {
				return err
			}
			socids = append(socids, socid)
		} else {
			sidx, err := h.sidx(ctx, tx, step.Store)
			if err != nil {
				return err
			}
			entries, err := d.engine.Collector().Next(ctx, tx, sidx, 0, queueScan)
			if err != nil {
				return err
			}
			for _, e := range entries {
				socids = append(socids, e.SOCID)
			}
		}
		for _, socid := range socids {
			kml, err := vv.GetKML(ctx, tx, socid)
			if err != nil {
				return err
			}
			if !kml.IsZero() {
				todo = append(todo, pending{socid, kml})
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, p := range todo {
		if _, err := d.engine.Materialize(ctx, p.socid, p.kml); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("components=%d", len(todo)), nil
}

func errorCode(err error) string {
	if errors.Is(err, gossip.ErrUnreachable) {
		return CodeUnreachable
	}
	if code := syncerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

func parseComponent(name string) (ids.CID, error) {
	switch strings.ToLower(name) {
	case "", "content":
		return ids.CIDContent, nil
	case "meta":
		return ids.CIDMeta, nil
	}
	return 0, fmt.Errorf("unknown component %q", name)
}

func componentName(cid ids.CID) string {
	return strings.ToLower(cid.String())
}

// names derives identifiers from scenario names and maps them back.
type names struct {
	devices map[ids.DID]string
	objects map[ids.OID]string
}

func newNames() *names {
	return &names{devices: map[ids.DID]string{}, objects: map[ids.OID]string{}}
}

func derive(kind, name string) [ids.Len]byte {
	return [ids.Len]byte(uuid.NewSHA1(uuid.NameSpaceURL, []byte("replica:"+kind+":"+name)))
}

func (n *names) did(name string) ids.DID {
	did := ids.DID(derive("device", name))
	n.devices[did] = name
	return did
}

func (n *names) sid(name string) ids.SID {
	return ids.SID(derive("store", name)).WithNibble(ids.NibbleRegular)
}

func (n *names) oid(name string) ids.OID {
	oid := ids.OID(derive("object", name)).WithNibble(ids.NibbleRegular)
	n.objects[oid] = name
	return oid
}

func (n *names) deviceName(did ids.DID) string {
	if name, ok := n.devices[did]; ok {
		return name
	}
	return did.String()
}

// objectName names oid, marking identifiers whose nibble was rewritten
// with a "~" and the new nibble.
func (n *names) objectName(oid ids.OID) string {
	if name, ok := n.objects[oid]; ok {
		return name
	}
	if name, ok := n.objects[oid.WithNibble(ids.NibbleRegular)]; ok {
		return fmt.Sprintf("%s~%x", name, oid.Nibble())
	}
	return oid.String()
}

func (n *names) version(v version.Version) map[string]uint64 {
	if v.IsZero() {
		return nil
	}
	out := make(map[string]uint64, v.Len())
	for _, e := range v.Entries() {
		out[n.deviceName(e.DID)] = uint64(e.Tick)
	}
	return out
}

func (h *Harness) snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Scenario: h.scenario.Name, Devices: []DeviceState{}}
	for _, name := range h.scenario.Devices {
		d := h.devices[name]
		state := DeviceState{Name: name, Stores: []StoreState{}}
		err := d.store.View(ctx, func(tx *store.Tx) error {
			var err error
			if state.Epoch, err = migration.CurrentEpoch(ctx, tx); err != nil {
				return err
			}
			for _, sname := range h.scenario.Stores {
				ss, err := h.storeState(ctx, tx, sname)
				if err != nil {
					return err
				}
				state.Stores = append(state.Stores, ss)
			}
			return nil
		})
		if err != nil {
			return snap, fmt.Errorf("device %s: %w", name, err)
		}
		snap.Devices = append(snap.Devices, state)
	}
	return snap, nil
}

func (h *Harness) storeState(ctx context.Context, tx *store.Tx, name string) (StoreState, error) {
	ss := StoreState{Name: name}
	sidx, err := h.sidx(ctx, tx, name)
	if err != nil {
		return ss, err
	}
	kv, err := knowledge.Vector(ctx, tx, sidx)
	if err != nil {
		return ss, err
	}
	ss.Knowledge = h.names.version(kv)
	iv, err := knowledge.ImmigrantVector(ctx, tx, sidx)
	if err != nil {
		return ss, err
	}
	ss.ImmigrantKnowledge = h.names.version(iv)
	if ss.Queued, err = tx.QueueLen(ctx, sidx); err != nil {
		return ss, err
	}

	rows, err := tx.VersionRows(ctx, sidx)
	if err != nil {
		return ss, err
	}
	master := map[ids.SOCID]version.Version{}
	kml := map[ids.SOCID]version.Version{}
	var order []ids.SOCID
	for _, r := range rows {
		if _, ok := master[r.SOCID]; !ok {
			master[r.SOCID] = version.Version{}
			kml[r.SOCID] = version.Version{}
			order = append(order, r.SOCID)
		}
		switch r.KIdx {
		case ids.KIndexMaster:
			master[r.SOCID][r.DID] = r.Tick
		case ids.KIndexKML:
			kml[r.SOCID][r.DID] = r.Tick
		}
	}
	for _, socid := range order {
		mt, err := tx.MaxTicks(ctx, socid)
		if err != nil {
			return ss, err
		}
		ss.Components = append(ss.Components, ComponentState{
			Object:    h.names.objectName(socid.OID),
			Component: componentName(socid.CID),
			Master:    h.names.version(master[socid]),
			KML:       h.names.version(kml[socid]),
			MaxTick:   h.names.version(mt),
		})
	}
	sort.Slice(ss.Components, func(i, j int) bool {
		a, b := ss.Components[i], ss.Components[j]
		if a.Object != b.Object {
			return a.Object < b.Object
		}
		return a.Component < b.Component
	})
	return ss, nil
}
