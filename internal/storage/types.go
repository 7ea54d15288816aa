package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops runs older than this. 0 keeps everything (sqlite) or
	// the last defaultMemRuns runs (file, in memory only).
	Retention time.Duration
}

// RunRecord describes one job body execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID     string        `json:"id"`
	Stream string        `json:"stream"`
	Key    string        `json:"key"`
	Size   int           `json:"size"`
	Status string        `json:"status"`
	At     time.Time     `json:"at"`
	Queued time.Duration `json:"queued_ns"`
	Took   time.Duration `json:"took_ns"`
	Error  string        `json:"error,omitempty"`
}
