// Package storage keeps an operator-facing history of completed jobs.
//
// Drivers:
//   - "file": append-only JSON Lines, no dependencies
//   - "sqlite": single-file SQLite database (modernc.org/sqlite, pure Go)
//
// History is write-only from the scheduler's point of view: nothing is ever
// restored into a running scheduler from here.
package storage
