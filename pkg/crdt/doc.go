/*
Package crdt implements the conflict-free replicated structures a store is
built from: last-writer-wins registers grouped into an AtomSet and an
ObjectGraph, gated by per-structure metadata clocks.

Every register cell holds a (bucket, clock) stamp and an optional value.
Two competing writes merge by comparing stamps: greater clock wins, greater
bucket breaks ties. Applying an action is idempotent and commutative, so
replicas converge regardless of delivery order.

Both structures stage writes in an in-memory overlay on top of the backend.
Reads consult the overlay first; index queries compose the backend result
with the overlay, inserting ids whose pending value entered the predicate
and removing ids whose pending value left it. Save flushes the overlay and
clears it. This keeps uncommitted writes queryable without paying a backend
write per set.

The ObjectGraph's reads are referential-integrity filtered: an atom is
hidden while its source vertex is absent, an edge while either endpoint is.
The filter is read-time only - writes are stored unconditionally, which
keeps them commutative; an edge arriving before its endpoints heals once
the endpoints arrive.
*/
package crdt
