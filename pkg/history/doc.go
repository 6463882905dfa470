/*
Package history keeps the durable append-only log of actions keyed by
(replica bucket, clock).

The log is what makes two replicas comparable: Nexts summarizes it as a
version vector, Collect answers a peer's vector with the actions it lacks,
and Append records foreign actions while reporting which were novel so the
caller re-applies exactly those. Per (bucket, clock) the first recorded
entry wins; duplicates are idempotent no-ops.

The local replica identity is a random 64-bit bucket drawn on first open
and persisted; reopening the same file always yields the same identity.
*/
package history
