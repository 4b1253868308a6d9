package api

import (
	"time"

	"automoth/internal/imaging"
	"automoth/internal/metadata"
	"automoth/internal/scheduling"
	"automoth/internal/storage"
)

type StartRequest struct {
	Name     string            `json:"name"`
	Settings *imaging.Settings `json:"settings,omitempty"`
}

// ScheduleRequest asks for a pending session. Settings default to the
// saved imaging defaults. DryRun only reports the verdict and estimate.
type ScheduleRequest struct {
	Name     string            `json:"name"`
	Start    time.Time         `json:"start"`
	Settings *imaging.Settings `json:"settings,omitempty"`
	Confirm  bool              `json:"confirm,omitempty"`
	DryRun   bool              `json:"dry_run,omitempty"`
}

// Estimate is the expected output of a session. Images is -1 for a
// session that runs until stopped.
type Estimate struct {
	Images int   `json:"images"`
	Bytes  int64 `json:"bytes"`
}

func estimate(s imaging.Settings, start time.Time, imageSize int64) Estimate {
	n := s.ExpectedImages(start)
	if n < 0 {
		return Estimate{Images: -1, Bytes: -1}
	}
	return Estimate{Images: n, Bytes: int64(n) * imageSize}
}

type ScheduleResponse struct {
	Result   *scheduling.Result `json:"result,omitempty"`
	Verdict  scheduling.Verdict `json:"verdict"`
	Estimate Estimate           `json:"estimate"`
}

type Status struct {
	Active  *imaging.Status      `json:"active,omitempty"`
	Pending []scheduling.Pending `json:"pending"`
	Runtime map[string]any       `json:"runtime,omitempty"`
}

type Session struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Directory string     `json:"directory"`
	Started   time.Time  `json:"started"`
	Completed *time.Time `json:"completed,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
	Interval  string     `json:"interval"`
	Images    int        `json:"images"`
}

func sessionView(r storage.SessionRow, images int) Session {
	return Session{
		ID:        r.ID,
		Name:      r.Name,
		Directory: r.Directory,
		Started:   r.Started,
		Completed: r.Completed,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Interval:  r.Interval.String(),
		Images:    images,
	}
}

type Image struct {
	ID       int64     `json:"id"`
	Filename string    `json:"filename"`
	Taken    time.Time `json:"taken"`
}

// MetadataEntry is the decoded form of metadata.Entry.
type MetadataEntry struct {
	Name     string        `json:"name"`
	Type     metadata.Type `json:"type"`
	Value    any           `json:"value"`
	ReadOnly bool          `json:"read_only,omitempty"`
	Builtin  bool          `json:"builtin,omitempty"`
	User     bool          `json:"user,omitempty"`
}

type SetValueRequest struct {
	Value string `json:"value"`
}

type FieldRequest struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error   string              `json:"error"`
	Code    string              `json:"code"`
	Verdict *scheduling.Verdict `json:"verdict,omitempty"`
}
