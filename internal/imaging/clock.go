package imaging

import "time"

// IntervalClock yields fire times origin + k*interval. It implements
// cron.Schedule, so a late wake-up never shifts later fires.
type IntervalClock struct {
	Origin   time.Time
	Interval time.Duration
}

// FireTime returns the k-th fire time (k=0 is the origin).
func (c IntervalClock) FireTime(k int) time.Time {
	return c.Origin.Add(time.Duration(k) * c.Interval)
}

// Next returns the first fire time strictly after t.
func (c IntervalClock) Next(t time.Time) time.Time {
	if c.Interval <= 0 {
		return time.Time{}
	}
	if t.Before(c.Origin) {
		return c.Origin
	}
	k := int(t.Sub(c.Origin)/c.Interval) + 1
	return c.FireTime(k)
}
