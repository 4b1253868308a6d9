package imaging

import "time"

// ShouldStop reports whether a session must end after an evaluation.
// taken counts completed capture attempts, successful or not.
func ShouldStop(s Settings, taken int, start, now time.Time) bool {
	switch s.Mode {
	case StopAfterCount:
		return taken >= s.Count
	case StopAfterTime:
		return now.Sub(start) >= s.Elapsed
	case StopAtDeadline:
		// A deadline already in the past stops at the first evaluation.
		return !now.Before(s.Deadline)
	default:
		return false
	}
}
