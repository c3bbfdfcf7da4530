package storage

import (
	"errors"
	"time"

	"cadence/internal/behavior"
	"cadence/internal/schedule"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): nothing survives a restart
//   - "file": <path>.snapshot.json + <path>.journal.jsonl
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery folds the file journal into the snapshot every N writes.
	CompactEvery int
}

// Store is the persistence API used by the analyzer and the scheduler.
type Store interface {
	behavior.Store
	schedule.ItemStore
	Close() error
}
