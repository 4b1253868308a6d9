package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"automoth/internal/api"
	"automoth/internal/imaging"
)

// settingsFlags are the imaging flags shared by start, schedule and
// defaults set. Unset flags keep the daemon's saved defaults.
type settingsFlags struct {
	interval  time.Duration
	stop      string
	stopValue string
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&f.interval, "interval", "i", 0, "time between captures, e.g. 30s or 5m")
	cmd.Flags().StringVar(&f.stop, "stop", "", "auto-stop mode: off, count, time or date")
	cmd.Flags().StringVar(&f.stopValue, "stop-value", "", "image count, duration or date for --stop")
}

func (f *settingsFlags) changed(cmd *cobra.Command) bool {
	fl := cmd.Flags()
	return fl.Changed("interval") || fl.Changed("stop") || fl.Changed("stop-value")
}

// resolve returns nil when no imaging flag was given, leaving the choice
// to the daemon. Otherwise the given flags are applied over the daemon's
// saved defaults.
func (f *settingsFlags) resolve(ctx context.Context, cmd *cobra.Command, c *api.Client) (*imaging.Settings, error) {
	if !f.changed(cmd) {
		return nil, nil
	}
	base, err := c.Defaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	s, err := f.apply(base, time.Now())
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (f *settingsFlags) apply(base imaging.Settings, now time.Time) (imaging.Settings, error) {
	s := base
	if f.interval != 0 {
		s.Interval = f.interval
	}
	if strings.TrimSpace(f.stop) != "" {
		mode, err := parseStopMode(f.stop)
		if err != nil {
			return imaging.Settings{}, err
		}
		s.Mode = mode
		s.Count, s.Elapsed, s.Deadline = 0, 0, time.Time{}
	}
	raw := strings.TrimSpace(f.stopValue)
	if raw != "" {
		var err error
		switch s.Mode {
		case imaging.StopAfterCount:
			s.Count, err = strconv.Atoi(raw)
		case imaging.StopAfterTime:
			s.Elapsed, err = time.ParseDuration(raw)
		case imaging.StopAtDeadline:
			s.Deadline, err = parseWhen(raw, now)
		default:
			err = fmt.Errorf("auto-stop mode %s takes no value", s.Mode)
		}
		if err != nil {
			return imaging.Settings{}, fmt.Errorf("--stop-value: %w", err)
		}
	}
	return s, s.Validate()
}

func parseStopMode(raw string) (imaging.AutoStopMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "none":
		return imaging.StopOff, nil
	case "count", "images":
		return imaging.StopAfterCount, nil
	case "time", "elapsed", "duration":
		return imaging.StopAfterTime, nil
	case "date", "deadline", "at":
		return imaging.StopAtDeadline, nil
	}
	return imaging.ParseAutoStopMode(raw)
}

var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseWhen reads an absolute or relative time in now's location:
// RFC 3339, "2006-01-02 15:04", "15:04" (the next such time today or
// tomorrow) or "+1h30m" (relative to now).
func parseWhen(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("relative time %q: %w", raw, err)
		}
		return now.Add(d), nil
	}
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, raw, now.Location()); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		clock, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q (use RFC 3339, \"2006-01-02 15:04\", \"15:04\" or \"+1h\")", raw)
}
