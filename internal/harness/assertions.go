package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/replica/internal/ids"
	"github.com/roach88/replica/internal/knowledge"
	"github.com/roach88/replica/internal/migration"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/version"
	"github.com/roach88/replica/internal/vv"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Device   string       // Device the assertion inspected
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Device)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", event.Seq, event.Device, event.Action)
		if event.Detail != "" {
			fmt.Fprintf(&buf, " %s", event.Detail)
		}
		if event.Error != "" {
			fmt.Fprintf(&buf, " error=%s", event.Error)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// evaluate checks every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion, trace []TraceEvent) []string {
	var failures []string
	for i, a := range assertions {
		if err := h.check(ctx, a, trace); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) check(ctx context.Context, a Assertion, trace []TraceEvent) error {
	d := h.devices[a.Device]
	var (
		expected, actual string
		ok               bool
	)
	err := d.store.View(ctx, func(tx *store.Tx) error {
		switch a.Type {
		case AssertKML, AssertMaster, AssertMaxTick:
			socid, err := h.socid(ctx, tx, a.Store, a.Object, a.Component)
			if err != nil {
				return err
			}
			if a.Anchor {
				socid.OID = socid.OID.WithNibble(ids.NibbleAnchor)
			}
			var v version.Version
			switch a.Type {
			case AssertKML:
				v, err = vv.GetKML(ctx, tx, socid)
			case AssertMaster:
				v, err = vv.GetVersion(ctx, tx, socid, ids.KIndexMaster)
			default:
				v, err = tx.MaxTicks(ctx, socid)
			}
			if err != nil {
				return err
			}
			got := h.names.version(v)
			expected, actual = formatTicks(a.Ticks), formatTicks(got)
			ok = maps.Equal(a.Ticks, got) || (len(a.Ticks) == 0 && len(got) == 0)

		case AssertKnowledge, AssertImmigrantKnowledge:
			sidx, err := h.sidx(ctx, tx, a.Store)
			if err != nil {
				return err
			}
			did := h.devices[a.Of].did
			var tick ids.Tick
			if a.Type == AssertKnowledge {
				tick, err = knowledge.Get(ctx, tx, sidx, did)
			} else {
				var iv version.Version
				iv, err = knowledge.ImmigrantVector(ctx, tx, sidx)
				tick = iv.Get(did)
			}
			if err != nil {
				return err
			}
			expected, actual = fmt.Sprintf("%s=%d", a.Of, *a.Value), fmt.Sprintf("%s=%d", a.Of, tick)
			ok = uint64(tick) == *a.Value

		case AssertQueued:
			sidx, err := h.sidx(ctx, tx, a.Store)
			if err != nil {
				return err
			}
			n, err := tx.QueueLen(ctx, sidx)
			if err != nil {
				return err
			}
			expected, actual = fmt.Sprintf("%d queued", *a.Value), fmt.Sprintf("%d queued", n)
			ok = uint64(n) == *a.Value

		case AssertEpoch:
			epoch, err := migration.CurrentEpoch(ctx, tx)
			if err != nil {
				return err
			}
			expected, actual = fmt.Sprintf("epoch %d", *a.Value), fmt.Sprintf("epoch %d", epoch)
			ok = epoch == *a.Value

		default:
			return fmt.Errorf("unknown assertion type %q", a.Type)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s on %s: %w", a.Type, a.Device, err)
	}
	if ok {
		return nil
	}
	if a.Object != "" {
		expected = a.Object + " " + expected
	}
	return &AssertionError{Type: a.Type, Device: a.Device, Expected: expected, Actual: actual, Trace: trace}
}

func formatTicks(v map[string]uint64) string {
	if len(v) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(v))
	for _, name := range slices.Sorted(maps.Keys(v)) {
		parts = append(parts, fmt.Sprintf("%s:%d", name, v[name]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
