package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts 5- and 6-field cron specs and descriptors like
// "@hourly" or "@every 10m".
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a periodic job schedule: a fixed period or a cron spec.
type Schedule struct {
	Every time.Duration
	Cron  string
}

// Spec returns the schedule in the form the cron runner accepts.
func (s Schedule) Spec() string {
	if s.Every > 0 {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

// ParseSchedule reads a Go duration ("10m") or a cron spec
// ("*/15 * * * *", "@hourly").
func ParseSchedule(raw string) (Schedule, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return Schedule{}, errors.New("schedule required")
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < time.Second {
			return Schedule{}, fmt.Errorf("period %s is shorter than 1s", d)
		}
		return Schedule{Every: d}, nil
	}
	if _, err := specParser.Parse(v); err != nil {
		return Schedule{}, fmt.Errorf("schedule %q is neither a duration nor a cron spec: %w", raw, err)
	}
	return Schedule{Cron: v}, nil
}
