/*
Package events buffers subscription notifications raised while a
transaction applies writes.

The bus holds four typed vectors - atom, node, and edge register changes,
and adjacency-set membership deltas - in emission order. The host drains
the bus after the transaction commits; events buffered in a transaction
that rolls back are discarded with it. The bus is never persisted: events
lost to a crash are tolerated because a subscriber re-subscribing receives
a fresh snapshot.
*/
package events
