// Package ids provides the identifier types shared by every replication
// component: device, object and store identifiers, the local store index,
// component and knowledge indexes, and ticks.
//
// This package contains value types only. All other internal packages
// import ids; ids imports nothing internal.
//
// Key design constraints:
//   - DID, OID and SID are fixed 16-byte arrays and are compared by value
//   - Identifiers are never mutated in place; WithNibble returns a copy
//   - Tick 0 means "absent" and is never stored
//   - Hex is the only textual encoding (lowercase, 32 characters)
package ids
