// Package storage journals completed job runs so operators can see what each
// stream processed and how long it waited.
//
// Drivers:
//   - "file": JSON Lines, recent runs kept in memory
//   - "sqlite": SQLite database file (modernc, no cgo)
package storage
