package location

import (
	"context"
	"testing"
	"time"

	"automoth/pkg/logx"
)

type slowSource struct{ delay time.Duration }

func (s slowSource) Locate(ctx context.Context) (float64, float64, bool) {
	select {
	case <-time.After(s.delay):
		return 1, 2, true
	case <-ctx.Done():
		return 0, 0, false
	}
}

type wildSource struct{}

func (wildSource) Locate(context.Context) (float64, float64, bool) { return 120, 0, true }

func TestOpen(t *testing.T) {
	t.Parallel()
	src, err := Open(Config{Driver: "static", Latitude: 29.6, Longitude: -82.3}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	lat, lon, ok := src.Locate(context.Background())
	if !ok || lat != 29.6 || lon != -82.3 {
		t.Fatalf("Locate = %v,%v,%v", lat, lon, ok)
	}

	none, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := none.Locate(context.Background()); ok {
		t.Fatal("none returned a fix")
	}

	for _, bad := range []Config{{Driver: "static", Latitude: 91}, {Driver: "gps"}} {
		if _, err := Open(bad, logx.Nop()); err == nil {
			t.Errorf("Open(%+v) accepted", bad)
		}
	}
}

func TestBoundedTimesOut(t *testing.T) {
	t.Parallel()
	src := Bounded(slowSource{delay: time.Hour}, 20*time.Millisecond, logx.Nop())
	start := time.Now()
	if _, _, ok := src.Locate(context.Background()); ok {
		t.Fatal("expected no fix")
	}
	if time.Since(start) > time.Second {
		t.Fatal("wait not bounded")
	}

	fast := Bounded(slowSource{delay: time.Millisecond}, time.Second, logx.Nop())
	if _, _, ok := fast.Locate(context.Background()); !ok {
		t.Fatal("expected fix")
	}
}

func TestBoundedRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	if _, _, ok := Bounded(wildSource{}, time.Second, logx.Nop()).Locate(context.Background()); ok {
		t.Fatal("out-of-range fix accepted")
	}
}
