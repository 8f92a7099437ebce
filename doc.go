// Package qmux multiplexes many concurrent logical data-access requests over
// a small, bounded pool of physical database connections.
//
// Callers submit opaque operations through a single facade and receive a
// Future; a ticking scheduler drains the priority queue into bounded batches
// and executes batch members concurrently, one pooled connection per member.
// Requests that wait in queue past their timeout are evicted and resolved
// with a timeout error, so every submission completes exactly once.
//
// The main packages are:
//
//   - pkg/mux: the Submit facade, batch scheduler, statistics and health
//   - pkg/pool: the bounded, growable connection pool
//   - pkg/queue: the priority-stable FIFO holding area
//   - pkg/adapter/postgres, pkg/adapter/memory: execution adapters
//   - pkg/config: unified configuration with YAML loading
//
// See cmd/qmux for the CLI entry point.
package qmux
