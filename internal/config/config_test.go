package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/migration"
	tu "github.com/roach88/replica/internal/testutil"
)

func TestParse_EmptyIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
database: /var/lib/replica/state.db
device_id: 000000000000000000000000000000aa
log_level: debug
gossip:
  interval: 5s
  max_deltas: 64
  rate_per_second: 2.5
retry:
  min_delay: 10ms
  max_delay: 1s
  max_attempts: 3
authority:
  url: https://authority.example/v1/submit
  batch_size: 20
  token: abc
remediation:
  ghost_ticks:
    - did: 00000000000000000000000000000002
      tick: 7
    - did: 00000000000000000000000000000003
      tick: 0
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/replica/state.db", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, 5*time.Second, cfg.Gossip.Interval.Std())
	assert.Equal(t, 64, cfg.Gossip.MaxDeltas)
	assert.Equal(t, 2.5, cfg.Gossip.RatePerSecond)
	assert.Equal(t, Default().Gossip.Burst, cfg.Gossip.Burst, "unset fields keep defaults")
	assert.Equal(t, 20, cfg.Authority.BatchSize)

	did, err := cfg.DID()
	require.NoError(t, err)
	assert.Equal(t, tu.DID(0xaa), did)

	b := cfg.Retry.Backoff("op")
	assert.Equal(t, 10*time.Millisecond, b.MinDelay)
	assert.Equal(t, time.Second, b.MaxDelay)
	assert.Equal(t, 3, b.MaxAttempts)
	assert.Equal(t, "op", b.Op)

	ghosts, err := cfg.Remediation.Ghosts()
	require.NoError(t, err)
	assert.Equal(t, []migration.GhostSpec{
		{DID: tu.DID(2), Tick: 7},
		{DID: tu.DID(3), Tick: 0},
	}, ghosts)
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown top-level field", "databse: x.db\n"},
		{"unknown nested field", "gossip:\n  intervl: 5s\n"},
		{"batch size above limit", "authority:\n  batch_size: 51\n"},
		{"zero batch size", "authority:\n  batch_size: 0\n"},
		{"bad duration", "retry:\n  min_delay: soon\n"},
		{"false positive rate of one", "filter:\n  max_false_positive_rate: 1\n"},
		{"unknown log level", "log_level: loud\n"},
		{"short device id", "device_id: abc\n"},
		{"min delay above max", "retry:\n  min_delay: 5s\n  max_delay: 1s\n"},
		{"ghost without did", "remediation:\n  ghost_ticks:\n    - tick: 3\n"},
		{"not a mapping", "- a\n- b\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestMarshal_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.DeviceID = ids.DID{1: 0xff}.String()
	cfg.Remediation.GhostTicks = []GhostTick{{DID: tu.DID(4).String(), Tick: 9}}

	data, err := cfg.Marshal()
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.Level())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
