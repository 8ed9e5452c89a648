// Package engine applies the version, knowledge and filter mutations of one
// device.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Mutations reach the engine from two sides: local changes (LocalUpdate,
// Materialize) and gossip (ServeVersions on the responding side,
// ApplyVersions on the pulling side). Each is one store transaction, and
// the store holds a single connection, so transactions never interleave.
// Gossip sessions that run concurrently can still hand their responses to
// the Run loop through Submit, which applies them strictly in arrival
// order.
//
// Event Processing Flow:
//  1. Events are enqueued FIFO (local update, apply, materialize)
//  2. Run dequeues one event at a time
//  3. processEvent routes it to the matching method
//  4. The method commits its transaction
//  5. The outcome is handed back to the submitter, if it waits
//
// Knowledge Discipline:
// Knowledge of a device never runs ahead of what is held. A peer's knowledge
// arrives with the last batch of a pull and is only recorded as received;
// native knowledge follows it up to the lowest tick still pending as KML,
// and catches up when that tick is materialized.
//
// Epochs:
// Every message carries the sender's remediation epoch. Devices on
// different epochs refuse each other until both have run the same
// remediation steps.
package engine
