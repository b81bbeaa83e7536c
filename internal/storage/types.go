package storage

import (
	"context"
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
	// Retain caps the number of kept records (sqlite prunes, file trims on open). 0 keeps everything.
	Retain int
}

// Record is one completed job.
type Record struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind,omitempty"`
	Title      string        `json:"title"`
	Mode       string        `json:"mode"`
	Steps      int           `json:"steps"`
	OK         bool          `json:"ok"`
	Canceled   bool          `json:"canceled,omitempty"`
	Error      string        `json:"error,omitempty"`
	Submitted  time.Time     `json:"submitted"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Store is the history API used by the app and the status server.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}
