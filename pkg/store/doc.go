/*
Package store assembles a replica: one backend connection, an AtomSet, an
ObjectGraph, the action history, and the event bus, behind a façade of
point reads, point writes, subscriptions, and sync entry points.

Every public call runs in a single backend transaction. A write builds an
action stamped (this replica, next structure clock), records it in the
history under the next local history clock, applies it only if the history
accepted it, and saves all staging before the transaction commits - so the
persisted history is always authoritative for the persisted CRDT state.

Sync is a three-step exchange: SyncSerial serializes the local version
vector; a peer answers with SyncActions, the recorded actions beyond that
vector; SyncApply records the batch and applies the novel entries to the
structure each names. Running the exchange in both directions converges
two replicas with no further coordination.

A Store is single-threaded and unsynchronized; hosts that share one across
goroutines serialize access themselves (pkg/peer does).
*/
package store
