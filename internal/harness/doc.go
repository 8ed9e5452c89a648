// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: knowledge_waits_for_materialization
//	description: "Knowledge covers a tick only once its content is held"
//	devices: [a, b]
//	stores: [main]            # optional, defaults to [main]
//	max_deltas: 2             # optional
//	steps:
//	  - action: update
//	    device: a
//	    object: x
//	    repeat: 5
//	  - action: pull
//	    device: b
//	    peer: a
//	  - action: materialize
//	    device: b
//	assertions:
//	  - type: kml
//	    device: b
//	    object: x
//	    ticks: {}
//	  - type: knowledge
//	    device: b
//	    of: a
//	    value: 5
//
// # Steps
//
//   - update: local change of one component, repeat times
//   - pull: one gossip pull of a store from peer
//   - round: pull every store from every other device
//   - materialize: fetch the pending KML of one component, or of every
//     queued component when no object is given
//   - kml, knowledge: inject a KML tick or a knowledge watermark directly
//   - alias, immigrate: identity migration between objects or stores
//   - anchor, fix_anchors: create a mislabelled anchor, then repair it
//   - remediate: remove ghost KML ticks and advance the epoch
//   - force_full: set every filter of the device to full
//   - rebuild: rebuild max ticks and the collector queue
//   - down, up: make a device unreachable or reachable again
//
// A step that is expected to fail names the error code in expect_error.
//
// # Assertion Types
//
//   - kml, master, max_tick: exact version of one component
//   - knowledge, immigrant_knowledge: one watermark of a store
//   - queued: length of the collector queue of a store
//   - epoch: the device's remediation epoch
//
// # Deterministic Testing
//
// Device, store and object identifiers are name-based UUIDs, rounds pull
// one target at a time and snapshots refer to devices and objects by name,
// so a scenario always produces the same golden snapshot.
package harness
