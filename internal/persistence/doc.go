// Package persistence is the crash-safe, asynchronous, WAL-backed store for
// task and segment state, per spec §4.4. All mutations flow through an
// unbounded write queue served by a single writer goroutine so callers on
// the task/scheduler hot path never block on disk I/O; reads are
// synchronous, used only at startup and for diagnostics.
package persistence
