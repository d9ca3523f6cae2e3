// Package storage persists dexwatch state: the per-feed published and
// delivered histories and the subscriber registry.
//
// Two drivers exist:
//   - "file": one JSON document per history, written via temp file + rename
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
//
// Components never touch a driver directly; they own a PersistentSet or a
// ReleaseLog built on top of the driver's backends.
package storage
