// Package metrics exposes the replication core's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replica"

// Metrics holds every instrument. A nil *Metrics is not valid; use Nop.
type Metrics struct {
	TicksAllocated        prometheus.Counter
	DeltasIngested        prometheus.Counter
	KMLAdded              prometheus.Counter
	Materialized          prometheus.Counter
	FilterRotations       prometheus.Counter
	FiltersForcedFull     prometheus.Counter
	GhostTicksRemoved     prometheus.Counter
	OIDsRewritten         prometheus.Counter
	CollectorQueued       prometheus.Gauge
	GossipRounds          *prometheus.CounterVec // labelled by result
	AuthoritySubmitted    *prometheus.CounterVec // labelled by result
	RetryAttempts         *prometheus.CounterVec // labelled by operation
	MigrationStepsApplied prometheus.Counter
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksAllocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_allocated_total", Help: "Local ticks allocated.",
		}),
		DeltasIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deltas_ingested_total", Help: "Version deltas received from peers.",
		}),
		KMLAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "kml_ticks_added_total", Help: "Ticks recorded as known minus local.",
		}),
		Materialized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "components_materialized_total", Help: "Components whose content was materialized.",
		}),
		FilterRotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "filter", Name: "rotations_total", Help: "Sender filter epochs retired for saturation.",
		}),
		FiltersForcedFull: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "filter", Name: "forced_full_total", Help: "Filters set to full by remediation.",
		}),
		GhostTicksRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "migration", Name: "ghost_ticks_removed_total", Help: "Ghost KML ticks removed.",
		}),
		OIDsRewritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "migration", Name: "oids_rewritten_total", Help: "Object identifiers rewritten.",
		}),
		CollectorQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "collector", Name: "queued", Help: "Components waiting in the collector queue.",
		}),
		GossipRounds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "pulls_total", Help: "Gossip pulls by result.",
		}, []string{"result"}),
		AuthoritySubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "authority", Name: "operations_total", Help: "Operations submitted to the authority by result.",
		}, []string{"result"}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retry", Name: "attempts_total", Help: "Retried attempts by operation.",
		}, []string{"op"}),
		MigrationStepsApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "migration", Name: "steps_applied_total", Help: "Ordered migration steps applied.",
		}),
	}
}

// Nop returns instruments registered on a private registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
