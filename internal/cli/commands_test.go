package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/engine"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
	tu "github.com/roach88/replica/internal/testutil"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
)

var (
	localDID = tu.DID(1)
	otherDID = tu.DID(2)
	mainSID  = tu.SID(1)
)

// decodeData decodes the data of a JSON CLI response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// seed creates a database owned by localDID with one store and lets fn
// populate it.
func seed(t *testing.T, fn func(ctx context.Context, e *engine.Engine, sidx ids.SIndex)) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replica.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	e, err := engine.Open(ctx, s, localDID, engine.WithPushQueue(true))
	require.NoError(t, err)
	var sidx ids.SIndex
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		sidx, err = tx.EnsureSIndex(ctx, mainSID)
		return err
	}))
	if fn != nil {
		fn(ctx, e, sidx)
	}
	return path
}

func TestInit_CreatesDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "replica.db")

	out, err := execute(t, "--db", db, "--format", "json", "init", "--root-user", "alice")
	require.NoError(t, err)

	var res InitResult
	decodeData(t, out, &res)
	assert.False(t, res.Device.IsZero())
	assert.Equal(t, db, res.Database)
	require.Len(t, res.Stores, 1)
	assert.Equal(t, ids.RootSID("alice"), res.Stores[0].SID)

	// Running init again keeps the identity and the store.
	out, err = execute(t, "--db", db, "--format", "json", "init")
	require.NoError(t, err)
	var again InitResult
	decodeData(t, out, &again)
	assert.Equal(t, res.Device, again.Device)
	assert.Equal(t, res.Stores, again.Stores)
}

func TestInit_PinnedDeviceFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "replica.yaml")
	content := fmt.Sprintf("database: %s\ndevice_id: \"%s\"\n", filepath.Join(dir, "replica.db"), localDID)
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0644))

	out, err := execute(t, "--config", cfg, "init", "--store", mainSID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Device:   "+localDID.String())
	assert.Contains(t, out, mainSID.String())
}

func TestInit_InvalidStore(t *testing.T) {
	_, err := execute(t, "--db", filepath.Join(t.TempDir(), "r.db"), "init", "--store", "zz")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMigrate_AppliesStepsOnce(t *testing.T) {
	db := seed(t, nil)

	out, err := execute(t, "--db", db, "--format", "json", "migrate")
	require.NoError(t, err)
	var res MigrateResult
	decodeData(t, out, &res)
	require.Len(t, res.Applied, 4)
	assert.Equal(t, uint64(1), res.Applied[0].Version)
	assert.Equal(t, uint64(4), res.Cursor)

	out, err = execute(t, "--db", db, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to apply (cursor 4)")
}

func TestMigrate_RemovesConfiguredGhosts(t *testing.T) {
	db := seed(t, func(ctx context.Context, e *engine.Engine, sidx ids.SIndex) {
		require.NoError(t, e.Store().Update(ctx, func(tx *store.Tx) error {
			socid := ids.SOCID{SIdx: sidx, OID: tu.OID(9), CID: ids.CIDContent}
			if _, err := vv.AddKML(ctx, tx, socid, version.Version{otherDID: 7}); err != nil {
				return err
			}
			_, err := knowledge.Advance(ctx, tx, sidx, otherDID, 9)
			return err
		}))
	})
	cfg := filepath.Join(t.TempDir(), "replica.yaml")
	content := fmt.Sprintf("database: %s\nremediation:\n  ghost_ticks:\n    - did: \"%s\"\n      tick: 7\n", db, otherDID)
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0644))

	_, err := execute(t, "--config", cfg, "migrate")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "--format", "json", "inspect", mainSID.String())
	require.NoError(t, err)
	var res InspectResult
	decodeData(t, out, &res)
	assert.Equal(t, uint64(1), res.Store.Epoch)
	assert.Equal(t, ids.Tick(6), res.Store.Knowledge.Get(otherDID))
	assert.Zero(t, res.Store.Queued)
}

func TestRemediateGhosts_DryRunThenApply(t *testing.T) {
	db := seed(t, func(ctx context.Context, e *engine.Engine, sidx ids.SIndex) {
		require.NoError(t, e.Store().Update(ctx, func(tx *store.Tx) error {
			socid := ids.SOCID{SIdx: sidx, OID: tu.OID(9), CID: ids.CIDContent}
			_, err := vv.AddKML(ctx, tx, socid, version.Version{otherDID: 7})
			return err
		}))
	})
	ghost := fmt.Sprintf("%s:7", otherDID)

	out, err := execute(t, "--db", db, "--format", "json", "remediate", "ghosts", "--ghost", ghost, "--dry-run")
	require.NoError(t, err)
	var dry RemediateResult
	decodeData(t, out, &dry)
	require.Len(t, dry.Ghosts, 1)
	assert.Equal(t, otherDID, dry.Ghosts[0].DID)
	assert.Equal(t, ids.Tick(7), dry.Ghosts[0].Tick)
	assert.Equal(t, "content", dry.Ghosts[0].Component)
	assert.Zero(t, dry.Removed)
	assert.Zero(t, dry.Epoch)

	out, err = execute(t, "--db", db, "--format", "json", "remediate", "ghosts", "--ghost", ghost)
	require.NoError(t, err)
	var res RemediateResult
	decodeData(t, out, &res)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, uint64(1), res.Epoch)
}

func TestRemediateGhosts_VerboseProgressStaysOffStdout(t *testing.T) {
	db := seed(t, func(ctx context.Context, e *engine.Engine, sidx ids.SIndex) {
		require.NoError(t, e.Store().Update(ctx, func(tx *store.Tx) error {
			socid := ids.SOCID{SIdx: sidx, OID: tu.OID(9), CID: ids.CIDContent}
			_, err := vv.AddKML(ctx, tx, socid, version.Version{otherDID: 7})
			return err
		}))
	})
	ghost := fmt.Sprintf("%s:7", otherDID)

	out, diag, err := executeSplit(t, "--db", db, "--format", "json", "-v", "remediate", "ghosts", "--ghost", ghost, "--dry-run")
	require.NoError(t, err)
	var dry RemediateResult
	decodeData(t, out, &dry)
	assert.Len(t, dry.Ghosts, 1)
	assert.Contains(t, diag, "found 1 ghost tick(s)")

	_, diag, err = executeSplit(t, "--db", db, "remediate", "ghosts", "--ghost", ghost, "--dry-run")
	require.NoError(t, err)
	assert.NotContains(t, diag, "found 1 ghost tick(s)")
}

func TestRemediateGhosts_InvalidGhost(t *testing.T) {
	for _, g := range []string{"nocolon", "zz:1", fmt.Sprintf("%s:x", otherDID)} {
		_, err := execute(t, "--db", filepath.Join(t.TempDir(), "r.db"), "remediate", "ghosts", "--ghost", g)
		require.Error(t, err, g)
		assert.Equal(t, ExitCommandError, GetExitCode(err), g)
	}
}

func TestInspect_Component(t *testing.T) {
	oid := tu.OID(3)
	db := seed(t, func(ctx context.Context, e *engine.Engine, sidx ids.SIndex) {
		socid := ids.SOCID{SIdx: sidx, OID: oid, CID: ids.CIDMeta}
		_, err := e.LocalUpdate(ctx, socid)
		require.NoError(t, err)
		_, err = e.LocalUpdate(ctx, socid)
		require.NoError(t, err)
	})

	out, err := execute(t, "--db", db, "--format", "json", "inspect", mainSID.String(), oid.String(), "--component", "meta")
	require.NoError(t, err)
	var res InspectResult
	decodeData(t, out, &res)
	assert.Equal(t, ids.Tick(2), res.Store.Knowledge.Get(localDID))
	require.NotNil(t, res.Component)
	assert.Equal(t, oid, res.Component.Resolved)
	assert.Equal(t, "meta", res.Component.Component)
	assert.Equal(t, version.Version{localDID: 2}, res.Component.Master)
	assert.Equal(t, version.Version{localDID: 2}, res.Component.MaxTick)
	assert.True(t, res.Component.KML.IsZero())

	out, err = execute(t, "--db", db, "inspect", mainSID.String(), oid.String(), "--component", "meta")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("master:              {%s:2}", localDID))
}

func TestInspect_Errors(t *testing.T) {
	db := seed(t, nil)
	tests := []struct {
		name string
		args []string
	}{
		{"unknown store", []string{"inspect", tu.SID(7).String()}},
		{"bad sid", []string{"inspect", "zz"}},
		{"bad oid", []string{"inspect", mainSID.String(), "zz"}},
		{"bad component", []string{"inspect", mainSID.String(), tu.OID(1).String(), "--component", "body"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--db", db}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestFixAnchors(t *testing.T) {
	oid := tu.OID(4)
	db := seed(t, func(ctx context.Context, e *engine.Engine, sidx ids.SIndex) {
		socid := ids.SOCID{SIdx: sidx, OID: oid, CID: ids.CIDMeta}
		require.NoError(t, e.Store().Update(ctx, func(tx *store.Tx) error {
			return tx.PutObjectAttr(ctx, store.ObjectAttr{SOID: socid.SOID(), Type: store.ObjectAnchor, Name: "shared"})
		}))
		_, err := e.LocalUpdate(ctx, socid)
		require.NoError(t, err)
	})

	out, err := execute(t, "--db", db, "--format", "json", "fix-anchors")
	require.NoError(t, err)
	var fixes []FixInfo
	decodeData(t, out, &fixes)
	require.Len(t, fixes, 1)
	assert.Equal(t, oid, fixes[0].From)
	assert.Equal(t, oid.WithNibble(ids.NibbleAnchor), fixes[0].To)
	assert.False(t, fixes[0].Collision)

	out, err = execute(t, "--db", db, "fix-anchors")
	require.NoError(t, err)
	assert.Contains(t, out, "Fixed 0 object(s)")
}

func TestRebuild(t *testing.T) {
	db := seed(t, func(ctx context.Context, e *engine.Engine, sidx ids.SIndex) {
		require.NoError(t, e.Store().Update(ctx, func(tx *store.Tx) error {
			socid := ids.SOCID{SIdx: sidx, OID: tu.OID(5), CID: ids.CIDContent}
			_, err := vv.AddKML(ctx, tx, socid, version.Version{otherDID: 3})
			return err
		}))
	})

	out, err := execute(t, "--db", db, "--format", "json", "rebuild")
	require.NoError(t, err)
	var res RebuildResult
	decodeData(t, out, &res)
	assert.Zero(t, res.Mismatches)
	assert.Equal(t, 1, res.Queued)
}

func TestSimulate_HarnessScenarios(t *testing.T) {
	out, err := execute(t, "--format", "json", "simulate", filepath.Join("..", "harness", "testdata"))
	require.NoError(t, err, out)

	var res SimulateResult
	decodeData(t, out, &res)
	assert.Positive(t, res.Total)
	assert.Equal(t, res.Total, res.Passed)
	assert.Zero(t, res.Failed)

	goldens := 0
	for _, s := range res.Scenarios {
		if s.Golden == "match" {
			goldens++
		}
	}
	assert.Equal(t, 1, goldens)
}

func TestSimulate_FilterAndFailure(t *testing.T) {
	dir := t.TempDir()
	failing := `
name: failing
description: "expects a tick that never arrives"
devices: [a, b]
steps:
  - action: update
    device: a
    object: x
assertions:
  - type: kml
    device: b
    object: x
    ticks: {a: 1}
`
	passing := `
name: passing
description: "one local update"
devices: [a]
steps:
  - action: update
    device: a
    object: x
assertions:
  - type: master
    device: a
    object: x
    ticks: {a: 1}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "failing.yaml"), []byte(failing), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "passing.yaml"), []byte(passing), 0644))

	out, err := execute(t, "simulate", dir, "--filter", "pass*")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   passing")
	assert.Contains(t, out, "Summary: 1 passed, 0 failed, 1 total")

	out, err = execute(t, "simulate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL failing")
}

func TestSimulate_UpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	scenario := filepath.Join(dir, "single.yaml")
	require.NoError(t, os.WriteFile(scenario, []byte(`
name: single
description: "one local update"
devices: [a]
steps:
  - action: update
    device: a
    object: x
assertions:
  - type: epoch
    device: a
    value: 0
`), 0644))

	out, err := execute(t, "simulate", scenario, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")
	assert.FileExists(t, filepath.Join(dir, "golden", "single.golden"))

	out, err = execute(t, "simulate", scenario)
	require.NoError(t, err)
	assert.Contains(t, out, "(golden match)")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "single.golden"), []byte("{}"), 0644))
	_, err = execute(t, "simulate", scenario)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSimulate_MissingPath(t *testing.T) {
	_, err := execute(t, "simulate", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPush_RequiresURL(t *testing.T) {
	_, err := execute(t, "--db", filepath.Join(t.TempDir(), "r.db"), "push")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "authority.url")
}

func TestPush_DrainsQueue(t *testing.T) {
	db := seed(t, func(ctx context.Context, e *engine.Engine, sidx ids.SIndex) {
		_, err := e.LocalUpdate(ctx, ids.SOCID{SIdx: sidx, OID: tu.OID(6), CID: ids.CIDContent})
		require.NoError(t, err)
	})

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req struct {
			Operations []struct {
				OID ids.OID `json:"oid"`
			} `json:"operations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results := make([]map[string]any, 0, len(req.Operations))
		for _, op := range req.Operations {
			results = append(results, map[string]any{"oid": op.OID, "success": true})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results, "high_water": 42})
	}))
	t.Cleanup(srv.Close)

	cfg := filepath.Join(t.TempDir(), "replica.yaml")
	content := fmt.Sprintf("database: %s\nauthority:\n  url: %s\n  token: secret\n", db, srv.URL)
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0644))

	out, err := execute(t, "--config", cfg, "--format", "json", "push")
	require.NoError(t, err)
	var rep struct {
		Submitted int    `json:"submitted"`
		Accepted  int    `json:"accepted"`
		HighWater uint64 `json:"high_water"`
	}
	decodeData(t, out, &rep)
	assert.Equal(t, 1, rep.Submitted)
	assert.Equal(t, 1, rep.Accepted)
	assert.Equal(t, uint64(42), rep.HighWater)
	assert.Equal(t, 1, calls)
}

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	db := filepath.Join(t.TempDir(), "replica.db")
	out, err := execute(t, "--db", db, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "database: "+db)
	assert.Contains(t, out, "log_level: info")
}

func TestFailureExitCodes(t *testing.T) {
	assert.Equal(t, ExitMigration, GetExitCode(failure("x", syncerr.Invariant("bad"))))
	assert.Equal(t, ExitMigration, GetExitCode(failure("x", syncerr.RowCount("delete", 1, 0))))
	assert.Equal(t, ExitFailure, GetExitCode(failure("x", syncerr.New(syncerr.CodeProtocol, "bad peer"))))
	assert.Equal(t, ExitFailure, GetExitCode(failure("x", fmt.Errorf("plain"))))

	assert.Equal(t, "INVARIANT", errorCode(syncerr.Invariant("bad")))
	assert.Equal(t, "E_FAILED", errorCode(fmt.Errorf("plain")))
}
