// Package storage is the Post Store: posts, social accounts and the dispatch
// audit log.
//
// Drivers:
//   - "memory": process-local maps, used by tests and dry runs
//   - "file": memory plus a JSON snapshot and journal on disk
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
