package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("storage: not found")

// Config configures the index database.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// PendingRow is a scheduled session that has not fired yet. RequestCode
// is assigned on insert and doubles as the timer id.
type PendingRow struct {
	RequestCode int64
	Name        string
	Start       time.Time
	Interval    time.Duration
	StopMode    string
	StopValue   int64
}

type SessionRow struct {
	ID        int64
	Name      string
	Directory string
	Started   time.Time
	Completed *time.Time
	Latitude  *float64
	Longitude *float64
	Interval  time.Duration
}

type ImageRow struct {
	ID        int64
	SessionID int64
	Filename  string
	Taken     time.Time
}

type FieldRow struct {
	Name    string
	Type    string
	Builtin bool
}
