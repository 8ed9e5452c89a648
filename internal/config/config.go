// Package config loads the daemon configuration.
//
// A configuration file is YAML. It is checked against an embedded CUE schema
// before it is decoded, so a typo or an out-of-range value is reported with
// its path instead of being silently ignored. Fields left out keep the
// values of Default.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/replica/internal/authority"
	"github.com/roach88/replica/internal/filter"
	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/retry"
	"github.com/roach88/replica/internal/wire"
)

//go:embed schema.cue
var schemaSource string

// Duration is a time.Duration written as "30s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	Database string `yaml:"database"`
	// DeviceID pins the device identity; empty lets the store keep or
	// generate one.
	DeviceID string `yaml:"device_id,omitempty"`
	LogLevel string `yaml:"log_level"`

	Gossip      Gossip      `yaml:"gossip"`
	Filter      Filter      `yaml:"filter"`
	Retry       Retry       `yaml:"retry"`
	Authority   Authority   `yaml:"authority"`
	Remediation Remediation `yaml:"remediation"`
}

// Gossip paces anti-entropy rounds.
type Gossip struct {
	Interval      Duration `yaml:"interval"`
	MaxDeltas     int      `yaml:"max_deltas"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
	Concurrency   int      `yaml:"concurrency"`
}

// Filter bounds Bloom filter saturation.
type Filter struct {
	MaxFalsePositiveRate float64 `yaml:"max_false_positive_rate"`
}

// Retry bounds remote calls.
type Retry struct {
	MinDelay    Duration `yaml:"min_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Authority configures version submission. An empty URL disables it.
type Authority struct {
	URL       string `yaml:"url,omitempty"`
	BatchSize int    `yaml:"batch_size"`
	Token     string `yaml:"token,omitempty"`
}

// Remediation lists ghost ticks known to exist on deployed devices.
type Remediation struct {
	GhostTicks []GhostTick `yaml:"ghost_ticks,omitempty"`
}

// GhostTick names one ghost. Tick 0 matches every KML tick of the device.
type GhostTick struct {
	DID  string `yaml:"did"`
	Tick uint64 `yaml:"tick"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: "replica.db",
		LogLevel: "info",
		Gossip: Gossip{
			Interval:      Duration(30 * time.Second),
			MaxDeltas:     wire.DefaultMaxDeltas,
			RatePerSecond: 10,
			Burst:         5,
			Concurrency:   4,
		},
		Filter: Filter{MaxFalsePositiveRate: filter.DefaultMaxFalsePositiveRate},
		Retry: Retry{
			MinDelay:    Duration(100 * time.Millisecond),
			MaxDelay:    Duration(10 * time.Second),
			MaxAttempts: 6,
		},
		Authority: Authority{BatchSize: authority.MaxBatch},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default.
func Parse(data []byte) (Config, error) {
	if err := checkSchema(data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkSchema(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate checks constraints that span fields.
func (c Config) Validate() error {
	if c.Retry.MinDelay > c.Retry.MaxDelay {
		return fmt.Errorf("invalid config: retry.min_delay %s exceeds retry.max_delay %s", c.Retry.MinDelay.Std(), c.Retry.MaxDelay.Std())
	}
	if c.Authority.BatchSize <= 0 || c.Authority.BatchSize > authority.MaxBatch {
		return fmt.Errorf("invalid config: authority.batch_size %d outside 1..%d", c.Authority.BatchSize, authority.MaxBatch)
	}
	if _, err := c.DID(); err != nil {
		return err
	}
	if _, err := c.Remediation.Ghosts(); err != nil {
		return err
	}
	return nil
}

// DID returns the pinned device identity, zero when none is configured.
func (c Config) DID() (ids.DID, error) {
	if c.DeviceID == "" {
		return ids.DID{}, nil
	}
	did, err := ids.ParseDID(c.DeviceID)
	if err != nil {
		return ids.DID{}, fmt.Errorf("invalid config: device_id: %w", err)
	}
	return did, nil
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Backoff returns the retry policy for op.
func (r Retry) Backoff(op string) retry.Backoff {
	return retry.Backoff{
		MinDelay:    r.MinDelay.Std(),
		MaxDelay:    r.MaxDelay.Std(),
		MaxAttempts: r.MaxAttempts,
		Op:          op,
	}
}

// Ghosts converts the ghost list for the migration coordinator.
func (r Remediation) Ghosts() ([]migration.GhostSpec, error) {
	out := make([]migration.GhostSpec, 0, len(r.GhostTicks))
	for i, g := range r.GhostTicks {
		did, err := ids.ParseDID(g.DID)
		if err != nil {
			return nil, fmt.Errorf("invalid config: remediation.ghost_ticks[%d].did: %w", i, err)
		}
		out = append(out, migration.GhostSpec{DID: did, Tick: ids.Tick(g.Tick)})
	}
	return out, nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
