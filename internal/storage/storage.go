// Package storage opens the shared Postgres and Redis connections used by the
// status store, the restart job sources and the restart event sinks.
package storage
