package scheduling

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStartNotInFuture = errors.New("start time must be in the future")
	ErrConflictRejected = errors.New("scheduling request conflicts with an existing session")
	ErrSessionActive    = errors.New("a capture session is already running")
	ErrNoActiveSession  = errors.New("no capture session is running")

	// ErrStaleTimerFire marks an alarm whose pending session no longer
	// exists. It is logged, never returned.
	ErrStaleTimerFire = errors.New("timer fired for unknown request code")
)

// ConflictError is returned when a request would be cancelled by an
// existing session and the caller did not confirm.
type ConflictError struct {
	Verdict Verdict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s would cancel it", ErrConflictRejected, e.Verdict.Other)
}

func (e *ConflictError) Unwrap() error { return ErrConflictRejected }

func formatStart(t time.Time) string { return t.Format(time.RFC3339) }
