package imaging

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 6, 1, 21, 0, 0, 0, time.UTC)
	bad := []Settings{
		{Interval: 0, Mode: StopOff},
		{Interval: time.Second, Mode: StopAfterCount},
		{Interval: time.Second, Mode: StopAfterTime},
		{Interval: time.Second, Mode: StopAtDeadline},
		{Interval: time.Second, Mode: "SOMETIMES"},
	}
	for _, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
			t.Fatalf("Validate(%+v) = %v", s, err)
		}
	}

	early := Settings{Interval: time.Second, Mode: StopAtDeadline, Deadline: start}
	if err := early.Validate(); err != nil {
		t.Fatalf("Validate = %v", err)
	}
	if err := early.ValidateFrom(start); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("ValidateFrom = %v", err)
	}
}

func TestSettingsSpan(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	cases := []struct {
		s       Settings
		want    time.Duration
		bounded bool
	}{
		{Settings{Interval: 10 * time.Second, Mode: StopAfterCount, Count: 10}, 100 * time.Second, true},
		{Settings{Interval: time.Second, Mode: StopAfterTime, Elapsed: time.Hour}, time.Hour, true},
		{Settings{Interval: time.Second, Mode: StopAtDeadline, Deadline: start.Add(90 * time.Second)}, 90 * time.Second, true},
		{Settings{Interval: time.Second, Mode: StopAtDeadline, Deadline: start.Add(-time.Second)}, 0, true},
		{Settings{Interval: time.Second, Mode: StopOff}, 0, false},
	}
	for _, tc := range cases {
		d, bounded := tc.s.Span(start)
		if d != tc.want || bounded != tc.bounded {
			t.Fatalf("Span(%v) = %s,%v want %s,%v", tc.s, d, bounded, tc.want, tc.bounded)
		}
	}
}

func TestStoredRoundTrip(t *testing.T) {
	t.Parallel()

	deadline := time.UnixMilli(1_800_000_000_123)
	for _, s := range []Settings{
		{Interval: time.Minute, Mode: StopOff},
		{Interval: time.Minute, Mode: StopAfterCount, Count: 42},
		{Interval: time.Minute, Mode: StopAfterTime, Elapsed: 3 * time.Hour},
		{Interval: time.Minute, Mode: StopAtDeadline, Deadline: deadline},
	} {
		got, err := FromStored(s.Interval, string(s.Mode), s.StopValue())
		if err != nil {
			t.Fatalf("FromStored: %v", err)
		}
		if got.Mode != s.Mode || got.Count != s.Count || got.Elapsed != s.Elapsed || !got.Deadline.Equal(s.Deadline) {
			t.Fatalf("round trip %+v -> %+v", s, got)
		}
	}
}

func TestSettingsJSON(t *testing.T) {
	t.Parallel()

	var s Settings
	if err := json.Unmarshal([]byte(`{"interval":"30s","auto_stop_mode":"time_elapsed","elapsed":"2h"}`), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s.Interval != 30*time.Second || s.Mode != StopAfterTime || s.Elapsed != 2*time.Hour {
		t.Fatalf("decoded %+v", s)
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"interval":"30s","auto_stop_mode":"TIME_ELAPSED","elapsed":"2h0m0s"}` {
		t.Fatalf("encoded %s", b)
	}
}

func TestDefaultsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "defaults.json")
	got, err := LoadDefaults(path, DefaultSettings())
	if err != nil || got.Interval != time.Minute {
		t.Fatalf("LoadDefaults(missing) = %+v %v", got, err)
	}

	want := Settings{Interval: 15 * time.Second, Mode: StopAfterCount, Count: 120}
	if err := SaveDefaults(path, want); err != nil {
		t.Fatalf("SaveDefaults: %v", err)
	}
	got, err = LoadDefaults(path, DefaultSettings())
	if err != nil || got.Interval != want.Interval || got.Count != 120 {
		t.Fatalf("LoadDefaults = %+v %v", got, err)
	}
	if err := SaveDefaults(path, Settings{}); err == nil {
		t.Fatal("invalid settings should not be saved")
	}
}
