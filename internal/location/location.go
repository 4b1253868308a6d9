// Package location resolves the device position for new sessions.
package location

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"automoth/pkg/logx"
)

// Source returns one position fix. ok is false when none is available.
type Source interface {
	Locate(ctx context.Context) (lat, lon float64, ok bool)
}

type Config struct {
	Driver    string // none | static
	Latitude  float64
	Longitude float64
	Timeout   time.Duration
}

// Open returns the configured source wrapped with the configured wait bound.
func Open(cfg Config, log logx.Logger) (Source, error) {
	var src Source
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		src = None{}
	case "static":
		if math.Abs(cfg.Latitude) > 90 || math.Abs(cfg.Longitude) > 180 {
			return nil, fmt.Errorf("static location %v,%v out of range", cfg.Latitude, cfg.Longitude)
		}
		src = Static{Lat: cfg.Latitude, Lon: cfg.Longitude}
	default:
		return nil, fmt.Errorf("unknown location driver %q", cfg.Driver)
	}
	return Bounded(src, cfg.Timeout, log), nil
}

// None never has a fix.
type None struct{}

func (None) Locate(context.Context) (float64, float64, bool) { return 0, 0, false }

// Static reports a fixed, configured position.
type Static struct{ Lat, Lon float64 }

func (s Static) Locate(ctx context.Context) (float64, float64, bool) {
	if ctx.Err() != nil {
		return 0, 0, false
	}
	return s.Lat, s.Lon, true
}

type bounded struct {
	src     Source
	timeout time.Duration
	log     logx.Logger
}

// Bounded limits how long src may take. A zero timeout means 30s.
func Bounded(src Source, timeout time.Duration, log logx.Logger) Source {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return bounded{src: src, timeout: timeout, log: log.Component("location")}
}

type fix struct {
	lat, lon float64
	ok       bool
}

func (b bounded) Locate(ctx context.Context) (float64, float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ch := make(chan fix, 1)
	go func() {
		lat, lon, ok := b.src.Locate(ctx)
		ch <- fix{lat, lon, ok}
	}()
	select {
	case f := <-ch:
		if f.ok && (math.Abs(f.lat) > 90 || math.Abs(f.lon) > 180) {
			b.log.Warn("discarding out-of-range fix", logx.Float64("lat", f.lat), logx.Float64("lon", f.lon))
			return 0, 0, false
		}
		return f.lat, f.lon, f.ok
	case <-ctx.Done():
		b.log.Debug("location wait expired", logx.Duration("timeout", b.timeout))
		return 0, 0, false
	}
}
