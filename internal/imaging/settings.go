package imaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AutoStopMode selects the condition that ends a running session.
type AutoStopMode string

const (
	StopOff        AutoStopMode = "OFF"
	StopAfterCount AutoStopMode = "NUMBER_OF_IMAGES"
	StopAfterTime  AutoStopMode = "TIME_ELAPSED"
	StopAtDeadline AutoStopMode = "DATE_TIME"
)

// ParseAutoStopMode accepts the canonical names case-insensitively.
func ParseAutoStopMode(s string) (AutoStopMode, error) {
	switch m := AutoStopMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case StopOff, StopAfterCount, StopAfterTime, StopAtDeadline:
		return m, nil
	case "":
		return StopOff, nil
	default:
		return "", fmt.Errorf("unknown auto-stop mode %q", s)
	}
}

var ErrInvalidSettings = errors.New("invalid imaging settings")

// Settings are the parameters of one capture session. Only the value
// matching Mode is meaningful.
type Settings struct {
	Interval time.Duration
	Mode     AutoStopMode
	Count    int
	Elapsed  time.Duration
	Deadline time.Time
}

// Validate checks the invariants that hold regardless of start time.
func (s Settings) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidSettings)
	}
	switch s.Mode {
	case StopOff:
	case StopAfterCount:
		if s.Count <= 0 {
			return fmt.Errorf("%w: image count must be positive", ErrInvalidSettings)
		}
	case StopAfterTime:
		if s.Elapsed <= 0 {
			return fmt.Errorf("%w: elapsed time must be positive", ErrInvalidSettings)
		}
	case StopAtDeadline:
		if s.Deadline.IsZero() {
			return fmt.Errorf("%w: deadline is required", ErrInvalidSettings)
		}
	default:
		return fmt.Errorf("%w: unknown auto-stop mode %q", ErrInvalidSettings, s.Mode)
	}
	return nil
}

// ValidateFrom additionally requires a deadline after start, as needed
// when scheduling ahead.
func (s Settings) ValidateFrom(start time.Time) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Mode == StopAtDeadline && !s.Deadline.After(start) {
		return fmt.Errorf("%w: deadline %s is not after start %s", ErrInvalidSettings,
			s.Deadline.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

// Span returns how long a session started at start is expected to run.
// bounded is false for OFF, which runs until stopped.
func (s Settings) Span(start time.Time) (d time.Duration, bounded bool) {
	switch s.Mode {
	case StopAfterCount:
		return time.Duration(s.Count) * s.Interval, true
	case StopAfterTime:
		return s.Elapsed, true
	case StopAtDeadline:
		return max(s.Deadline.Sub(start), 0), true
	default:
		return 0, false
	}
}

// ExpectedImages estimates the number of captures, or -1 when unbounded.
func (s Settings) ExpectedImages(start time.Time) int {
	d, bounded := s.Span(start)
	if !bounded || s.Interval <= 0 {
		return -1
	}
	if s.Mode == StopAfterCount {
		return s.Count
	}
	// The first capture happens at the start itself.
	return int(d/s.Interval) + 1
}

// StopValue encodes the mode's value as an integer for storage: a count,
// milliseconds, or a unix-millisecond deadline.
func (s Settings) StopValue() int64 {
	switch s.Mode {
	case StopAfterCount:
		return int64(s.Count)
	case StopAfterTime:
		return s.Elapsed.Milliseconds()
	case StopAtDeadline:
		return s.Deadline.UnixMilli()
	default:
		return 0
	}
}

// FromStored rebuilds Settings from their stored columns.
func FromStored(interval time.Duration, mode string, value int64) (Settings, error) {
	m, err := ParseAutoStopMode(mode)
	if err != nil {
		return Settings{}, err
	}
	s := Settings{Interval: interval, Mode: m}
	switch m {
	case StopAfterCount:
		s.Count = int(value)
	case StopAfterTime:
		s.Elapsed = time.Duration(value) * time.Millisecond
	case StopAtDeadline:
		s.Deadline = time.UnixMilli(value)
	}
	return s, nil
}

func (s Settings) String() string {
	switch s.Mode {
	case StopAfterCount:
		return fmt.Sprintf("every %s, stop after %d images", s.Interval, s.Count)
	case StopAfterTime:
		return fmt.Sprintf("every %s, stop after %s", s.Interval, s.Elapsed)
	case StopAtDeadline:
		return fmt.Sprintf("every %s, stop at %s", s.Interval, s.Deadline.Format(time.RFC3339))
	default:
		return fmt.Sprintf("every %s, until stopped", s.Interval)
	}
}

type settingsJSON struct {
	Interval string    `json:"interval"`
	Mode     string    `json:"auto_stop_mode"`
	Count    int       `json:"count,omitempty"`
	Elapsed  string    `json:"elapsed,omitempty"`
	Deadline time.Time `json:"deadline,omitzero"`
}

func (s Settings) MarshalJSON() ([]byte, error) {
	out := settingsJSON{Interval: s.Interval.String(), Mode: string(s.Mode)}
	switch s.Mode {
	case StopAfterCount:
		out.Count = s.Count
	case StopAfterTime:
		out.Elapsed = s.Elapsed.String()
	case StopAtDeadline:
		out.Deadline = s.Deadline
	}
	return json.Marshal(out)
}

func (s *Settings) UnmarshalJSON(b []byte) error {
	var in settingsJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	ivl, err := time.ParseDuration(strings.TrimSpace(in.Interval))
	if err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	mode, err := ParseAutoStopMode(in.Mode)
	if err != nil {
		return err
	}
	out := Settings{Interval: ivl, Mode: mode, Count: in.Count, Deadline: in.Deadline}
	if strings.TrimSpace(in.Elapsed) != "" {
		if out.Elapsed, err = time.ParseDuration(strings.TrimSpace(in.Elapsed)); err != nil {
			return fmt.Errorf("elapsed: %w", err)
		}
	}
	*s = out
	return nil
}

// DefaultSettings is used when no defaults file exists.
func DefaultSettings() Settings {
	return Settings{Interval: time.Minute, Mode: StopOff}
}

// LoadDefaults reads the defaults file; a missing file yields fallback.
func LoadDefaults(path string, fallback Settings) (Settings, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fallback, nil
	}
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, s.Validate()
}

// SaveDefaults writes s atomically (temp file and rename).
func SaveDefaults(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".defaults-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
