package eventbus

// Event types published by the scheduler and capture sessions.
const (
	SessionStarted  = "session.started"
	SessionStopped  = "session.stopped"
	CaptureFailed   = "capture.failed"
	CaptureDropped  = "capture.dropped"
	ImageSaved      = "capture.saved"
	PendingAdded    = "pending.scheduled"
	PendingCanceled = "pending.cancelled"
	PendingFired    = "pending.fired"
	PendingStale    = "pending.stale"
	PendingDropped  = "pending.dropped"
	TaskFailed      = "task.failed"
)

// SessionInfo is the payload of session.* and capture.* events.
type SessionInfo struct {
	SessionID int64  `json:"session_id"`
	Name      string `json:"name"`
	Images    int    `json:"images,omitempty"`
	Failures  int    `json:"failures,omitempty"`
	Dropped   int    `json:"dropped,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PendingInfo is the payload of pending.* events.
type PendingInfo struct {
	RequestCode int64  `json:"request_code"`
	Name        string `json:"name"`
	Start       string `json:"start,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Matcher reports whether an event type is selected by a filter list.
// An empty list matches everything.
func Matcher(types []string) func(string) bool {
	if len(types) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(t string) bool {
		_, ok := set[t]
		return ok
	}
}
