package migration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/store"
)

// Step is one ordered remediation over the durable store. Steps are applied
// in Version order and the last applied Version is persisted, so each step
// runs once per device.
type Step struct {
	Version     uint64
	Description string
	Run         func(ctx context.Context, tx *store.Tx) error
}

// StepError reports the step that failed. The store is left at the previous
// step and the daemon must not continue.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("remediation step %d (%s): %v", e.Step.Version, e.Step.Description, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Steps returns the remediation steps of this build. The list must only
// ever be appended to.
func (c *Coordinator) Steps() []Step {
	return []Step{
		{
			Version:     1,
			Description: "fix anchor oid nibbles",
			Run: func(ctx context.Context, tx *store.Tx) error {
				_, err := c.FixAllAnchorOIDs(ctx, tx)
				return err
			},
		},
		{
			Version:     2,
			Description: "remove ghost kml ticks",
			Run: func(ctx context.Context, tx *store.Tx) error {
				ghosts, err := c.FindOwnGhosts(ctx, tx)
				if err != nil {
					return err
				}
				_, err = c.RemoveGhostTicks(ctx, tx, ghosts)
				return err
			},
		},
		{
			Version:     3,
			Description: "rebuild max ticks",
			Run: func(ctx context.Context, tx *store.Tx) error {
				return tx.RebuildMaxTicks(ctx)
			},
		},
		{
			Version:     4,
			Description: "rebuild collector queue",
			Run: func(ctx context.Context, tx *store.Tx) error {
				_, err := c.collector.Rebuild(ctx, tx)
				return err
			},
		},
	}
}

// Cursor returns the Version of the last applied step, 0 when none ran.
func Cursor(ctx context.Context, s *store.Store) (uint64, error) {
	var cur uint64
	err := s.View(ctx, func(tx *store.Tx) error {
		var err error
		cur, err = tx.GetMetaUint(ctx, store.MetaRemediationCursor)
		return err
	})
	return cur, err
}

// RunPending applies every step of Steps that has not run yet.
func (c *Coordinator) RunPending(ctx context.Context, s *store.Store) ([]Step, error) {
	return c.Run(ctx, s, c.Steps())
}

// Run applies every step newer than the persisted cursor, each in its own
// transaction together with the cursor update. It stops at the first
// failure with a *StepError. Returns the steps applied.
func (c *Coordinator) Run(ctx context.Context, s *store.Store, steps []Step) ([]Step, error) {
	for i := 1; i < len(steps); i++ {
		if steps[i].Version <= steps[i-1].Version {
			return nil, fmt.Errorf("remediation steps out of order at %d (%s)", steps[i].Version, steps[i].Description)
		}
	}

	applied := []Step{}
	for _, step := range steps {
		ran := false
		err := s.Update(ctx, func(tx *store.Tx) error {
			cur, err := tx.GetMetaUint(ctx, store.MetaRemediationCursor)
			if err != nil || step.Version <= cur {
				return err
			}
			if err := step.Run(ctx, tx); err != nil {
				return err
			}
			ran = true
			return tx.SetMetaUint(ctx, store.MetaRemediationCursor, step.Version)
		})
		if err != nil {
			slog.Error("remediation step failed", "version", step.Version, "step", step.Description, "error", err)
			return applied, &StepError{Step: step, Err: err}
		}
		if ran {
			c.metrics.MigrationStepsApplied.Inc()
			slog.Info("remediation step applied", "version", step.Version, "step", step.Description)
			applied = append(applied, step)
		}
	}
	return applied, nil
}
