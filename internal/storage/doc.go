// Package storage is the SQLite index behind automoth: capture sessions,
// their images and metadata values, and pending (scheduled) sessions.
//
// Two drivers share one schema:
//   - "sqlite": modernc.org/sqlite (pure Go, default)
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo)
package storage
