// Package storage persists timing models and scheduled items.
//
// Drivers:
//   - memory: process lifetime only (tests, default)
//   - file: JSON snapshot plus an append-only journal
//   - sqlite: modernc.org/sqlite database file
package storage
