// Package wire defines the messages exchanged between devices during a
// gossip pull and the canonical JSON encoding used for authority payloads
// and state snapshots.
//
// A pull is one VersionRequest answered by one VersionResponse. The
// response carries the responder's sender filter, a bounded batch of
// version deltas and, once the batch is the last one, the responder's
// knowledge vectors. Filters travel snappy-compressed.
package wire
