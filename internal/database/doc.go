// Package database keeps the manifest of mirror runs in SQLite.
//
// Every run stores its summary and one row per URL that reached an outcome:
// where it was written, its kind, whether it was skipped or failed and why,
// its size and the SHA3 digest of the written bytes. The manifest backs the
// history command and lets users see what a previous run left out.
//
// The driver is modernc.org/sqlite, a cgo-free SQLite, and the database is a
// single file in the user's data directory.
package database
