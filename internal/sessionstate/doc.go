// Package sessionstate implements a replicated, single-owner session store.
//
// # Overview
//
// Each member of a partition keeps a full copy of every session record,
// grouped by application name. A record carries an opaque payload, a version
// that moves only when the payload bytes change, and the id of the member
// that currently owns it.
//
//	app ──▶ key ──▶ Record{Payload, Version, Owner, LastTouched}
//
// Local writes bump the version and are broadcast to the peers through a
// cluster.Transport while the record lock is held. Peers absorb the record
// verbatim. When a member learns that a record it owned was changed, removed
// or handed over elsewhere, its Listeners receive an externally-modified
// event.
//
// # Ownership
//
// TakeOwnership asks every peer for permission. A peer refuses only when it
// owns the record and has already written a newer version than the requester
// observed:
//
//	owner is self | local > remote | answer
//	--------------+----------------+--------------------------
//	no            | any            | grant
//	yes           | yes            | refuse
//	yes           | no             | grant, hand over, notify
//
// Refusals and busy locks surface as ErrConcurrentAccess. Nothing retries
// automatically; that is up to the caller.
//
// # State Transfer
//
// Snapshot and Restore move the whole table as a gzip-compressed CBOR image
// guarded by an xxhash checksum. Start registers the replication handler
// first and then merges the image of an existing member, keeping any record
// that live replication already brought in at a newer version. An
// unreadable image is treated as no state.
//
// # Concurrency Model
//
// Three layers of locking are used, never nested in the wrong order:
//   - tableMu guards the swap of the namespace table during Restore
//   - namespace.mu guards the records of one application
//   - the per-record locks serialize whole write operations
//
// Records are looked up only once their lock is held, and every removal
// holds the lock too, so a write never lands on a record that was dropped
// meanwhile. Local writers take the per-record lock with a try-lock and fail
// fast. ApplyRemoteState and removals wait for it; the idle reaper skips
// busy records.
package sessionstate
