// Package log provides structured logging for quilt using zerolog.
// Init configures the global logger once at startup; components derive
// child loggers with WithComponent, WithStore, and WithReplica.
package log
