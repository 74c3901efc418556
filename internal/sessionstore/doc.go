// Package sessionstore owns the bounded, shared cache of resumable sessions.
//
// Ownership boundary:
// - set-associative session rows (hash(id) mod rows, round-robin ways)
// - peer-key rows pointing back into session rows (client stickiness)
// - deep-copy extraction into connection-private records
// - snapshot save/restore of both tables
//
// Invariants:
// - capacity is fixed at construction; a full bucket overwrites its oldest way
// - a record is usable only while now < createdAt + validity
// - every ticket or chain buffer reachable from a slot is owned by that slot alone
// - no allocation happens while the store lock is held; copies that need
//   buffers allocate unlocked and re-validate the slot generation afterwards
package sessionstore
