// Package types defines the identifiers, stamps, register payloads, and
// action variants shared across the store: 128-bit object ids, 64-bit
// replica buckets and logical clocks, and the (clock, bucket) lexicographic
// order that decides last-writer-wins merges.
package types
