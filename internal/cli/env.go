package cli

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/replica/internal/engine"
	"github.com/roach88/replica/internal/filter"
	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/syncerr"
)

// env is an opened replica database with the engine of its device.
type env struct {
	cfg      *RootOptions
	store    *store.Store
	engine   *engine.Engine
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

// openEnv opens the configured database, creating it if needed, and the
// engine of the device it belongs to.
func openEnv(ctx context.Context, opts *RootOptions) (*env, error) {
	cfg := opts.Config
	did, err := cfg.DID()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid device id", err)
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eng, err := engine.Open(ctx, st, did,
		engine.WithMetrics(m),
		engine.WithMaxDeltas(cfg.Gossip.MaxDeltas),
		engine.WithFilters(filter.NewManager(cfg.Filter.MaxFalsePositiveRate, m)),
		engine.WithPushQueue(cfg.Authority.URL != ""),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	return &env{cfg: opts, store: st, engine: eng, metrics: m, registry: reg}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// coordinator returns the migration coordinator of the device, seeded with
// the configured ghost ticks.
func (e *env) coordinator(extra ...migration.GhostSpec) (*migration.Coordinator, error) {
	ghosts, err := e.cfg.Config.Remediation.Ghosts()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid ghost list", err)
	}
	ghosts = append(ghosts, extra...)
	return migration.New(e.engine.DID(), e.engine.Filters(), e.engine.Collector(),
		migration.WithMetrics(e.metrics),
		migration.WithGhosts(ghosts...),
	), nil
}

// logMetrics writes every non-zero counter at debug level.
func (e *env) logMetrics() {
	families, err := e.registry.Gather()
	if err != nil {
		slog.Debug("gathering metrics", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			c := m.GetCounter()
			if c == nil || c.GetValue() == 0 {
				continue
			}
			attrs := []any{"metric", mf.GetName(), "value", c.GetValue()}
			for _, l := range m.GetLabel() {
				attrs = append(attrs, l.GetName(), l.GetValue())
			}
			slog.Debug("metric", attrs...)
		}
	}
}

// failure wraps err with the exit code its error class calls for.
// Corruption and invariant violations leave the store in a state the daemon
// must not run against.
func failure(message string, err error) *ExitError {
	switch syncerr.CodeOf(err) {
	case syncerr.CodeCorruption, syncerr.CodeInvariant, syncerr.CodeRowCount:
		return WrapExitError(ExitMigration, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

// errorCode names err for JSON output.
func errorCode(err error) string {
	if code := syncerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "E_FAILED"
}

func mustContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
