// Package metrics exposes Prometheus instrumentation for the write path,
// the sync path, and the subscription fan-out, plus the scrape handler
// mounted by the serve command.
package metrics
