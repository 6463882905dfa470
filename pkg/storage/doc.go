/*
Package storage provides the BoltDB-backed row store the CRDT structures
persist into.

Each named structure owns a data table keyed by object id plus three
secondary indices, and the store as a whole owns a metadata table per
structure and a single action-history table. All integer key material is
big-endian, so BoltDB's lexicographic key order equals numeric order; the
(bucket, clock) range scan used by anti-entropy and the (src, label)
prefix scan both depend on that.

# Layout

	┌───────────────────── BOLTDB FILE <dataDir>/quilt.db ─────────────────────┐
	│                                                                           │
	│  <prefix>.<name>.data              id(16) → row                          │
	│      row = flags | bucket(8) | clock(8) | [src(16)] [label(8)] [value]   │
	│                                                                           │
	│  <prefix>.<name>.idx_src_label     src(16) | label(8) | id(16) → ∅       │
	│  <prefix>.<name>.idx_label_value   label(8) | len(4) | value | id(16) → ∅│
	│  <prefix>.<name>.idx_bucket_clock  bucket(8) | clock(8) | id(16) → ∅     │
	│                                                                           │
	│  <prefix>.<name>.meta              bucket(8) → clock(8)                  │
	│                                                                           │
	│  <prefix>.history                  bucket(8) | clock(8) → len|name|action│
	│  <prefix>.history.meta             "this" → bucket(8)                    │
	└───────────────────────────────────────────────────────────────────────────┘

Index keys embed the row id as their suffix; the indexed columns form the
prefix, so equality and range lookups are cursor prefix scans. The
(label, value) key embeds the value length so an equality scan on a short
value cannot match a longer value sharing its prefix.

# Transactions

Backend.Update runs its function inside one BoltDB read-write transaction:
committed on nil return, rolled back on error or panic. Backend.View runs
read-only. BoltDB serializes writers, which gives the store the immediate
write-lock acquisition its one-transaction-per-call discipline expects.

The register rows mirror SQLite-style nullable columns: which of src,
label, and value a present register uses is decided by the owning
structure (an atom uses all three, a vertex only value, an edge stores its
destination id in value so the (label, value) index doubles as a
(label, dst) index). A tombstone leaves all three columns absent but keeps
its row and stamp; row removal is never observable to sync.
*/
package storage
