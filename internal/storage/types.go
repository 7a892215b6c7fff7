package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl, append-only)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one persisted task invocation.
// Keep it compact and schema-stable.
type RunRecord struct {
	At        time.Time
	Timepoint int64
	TaskID    uint64
	Task      string
	Duration  time.Duration
	Error     string
}
