package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"automoth/internal/task/engine"
	"automoth/pkg/logx"
)

type fireRecorder struct {
	mu    sync.Mutex
	codes []int64
	ch    chan int64
}

func newFireRecorder() *fireRecorder { return &fireRecorder{ch: make(chan int64, 16)} }

func (r *fireRecorder) fire(_ context.Context, code int64) error {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
	r.ch <- code
	return nil
}

func (r *fireRecorder) wait(t *testing.T) int64 {
	t.Helper()
	select {
	case code := <-r.ch:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("alarm did not fire")
		return 0
	}
}

func (r *fireRecorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case code := <-r.ch:
		t.Fatalf("unexpected fire for code %d", code)
	case <-time.After(d):
	}
}

func startScheduler(t *testing.T, cfg Config) (*Service, *fireRecorder) {
	t.Helper()
	eng := engine.New(engine.Config{}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(cfg, eng, logx.Nop(), nil)
	rec := newFireRecorder()
	s.SetHandler(rec.fire)
	s.Start(context.Background())
	t.Cleanup(func() {
		s.Stop(context.Background())
		eng.Stop(context.Background())
	})
	return s, rec
}

func TestAlarmFires(t *testing.T) {
	t.Parallel()
	s, rec := startScheduler(t, Config{})

	if err := s.Arm(7, time.Now().Add(20*time.Millisecond), true); err != nil {
		t.Fatal(err)
	}
	if got := s.Armed(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("Armed = %v", got)
	}
	if code := rec.wait(t); code != 7 {
		t.Fatalf("fired %d", code)
	}
	if got := s.Armed(); len(got) != 0 {
		t.Fatalf("Armed after fire = %v", got)
	}
}

func TestPastAlarmFiresImmediately(t *testing.T) {
	t.Parallel()
	s, rec := startScheduler(t, Config{})

	if err := s.Arm(1, time.Now().Add(-time.Hour), true); err != nil {
		t.Fatal(err)
	}
	if code := rec.wait(t); code != 1 {
		t.Fatalf("fired %d", code)
	}
}

func TestDisarmPreventsFire(t *testing.T) {
	t.Parallel()
	s, rec := startScheduler(t, Config{})

	if err := s.Arm(3, time.Now().Add(30*time.Millisecond), true); err != nil {
		t.Fatal(err)
	}
	if !s.Disarm(3) {
		t.Fatal("Disarm = false")
	}
	if s.Disarm(3) {
		t.Fatal("second Disarm = true")
	}
	rec.quiet(t, 100*time.Millisecond)
}

func TestRearmReplacesAlarm(t *testing.T) {
	t.Parallel()
	s, rec := startScheduler(t, Config{})

	if err := s.Arm(5, time.Now().Add(20*time.Millisecond), true); err != nil {
		t.Fatal(err)
	}
	if err := s.Arm(5, time.Now().Add(80*time.Millisecond), true); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)
	rec.quiet(t, 150*time.Millisecond)
}

func TestAlarmsSurviveRestart(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s := New(Config{}, eng, logx.Nop(), nil)
	rec := newFireRecorder()
	s.SetHandler(rec.fire)

	// Armed before Start: stored, not timed.
	if err := s.Arm(9, time.Now().Add(-time.Second), true); err != nil {
		t.Fatal(err)
	}
	rec.quiet(t, 50*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop(context.Background())
	if code := rec.wait(t); code != 9 {
		t.Fatalf("fired %d", code)
	}
}

func TestEffectiveAt(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		at    time.Time
		exact bool
		win   time.Duration
		want  time.Time
	}{
		{"exact", base.Add(7 * time.Second), true, time.Minute, base.Add(7 * time.Second)},
		{"no window", base.Add(7 * time.Second), false, 0, base.Add(7 * time.Second)},
		{"rounded up", base.Add(7 * time.Second), false, time.Minute, base.Add(time.Minute)},
		{"on boundary", base, false, time.Minute, base},
	}
	for _, tc := range cases {
		if got := effectiveAt(tc.at, tc.exact, tc.win); !got.Equal(tc.want) {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestAddScheduleRunsOnEngine(t *testing.T) {
	t.Parallel()
	s, _ := startScheduler(t, Config{})

	ran := make(chan struct{}, 4)
	err := s.AddCron("tick", "@every 1s", time.Second, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not run")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != "tick" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatal("Remove mismatch")
	}
}

func TestAddScheduleRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	if err := s.AddSchedule("x", "not a schedule at all", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error")
	}
	if err := s.AddSchedule("x", "0s", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for zero period")
	}
}
