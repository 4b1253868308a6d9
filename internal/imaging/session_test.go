package imaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"automoth/internal/eventbus"
	"automoth/internal/storage"
	"automoth/pkg/logx"
)

type manualRunner struct {
	mu      sync.Mutex
	fn      func()
	sched   cron.Schedule
	stopped bool
}

func (r *manualRunner) Schedule(sched cron.Schedule, fn func()) func() {
	r.mu.Lock()
	r.fn, r.sched = fn, sched
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
	}
}

func (r *manualRunner) fire() {
	r.mu.Lock()
	fn, stopped := r.fn, r.stopped
	r.mu.Unlock()
	if fn != nil && !stopped {
		fn()
	}
}

type memStore struct {
	mu        sync.Mutex
	root      string
	createErr error
	images    []string
	completed *time.Time
	location  [2]float64
}

func (m *memStore) CreateSession(_ context.Context, name string, started time.Time, interval time.Duration) (storage.SessionRow, error) {
	if m.createErr != nil {
		return storage.SessionRow{}, m.createErr
	}
	return storage.SessionRow{ID: 7, Name: name, Directory: "s7", Started: started, Interval: interval}, nil
}

func (m *memStore) Dir(s storage.SessionRow) string { return filepath.Join(m.root, s.Directory) }

func (m *memStore) InsertImage(_ context.Context, _ int64, filename string, _ time.Time) (storage.ImageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, filename)
	return storage.ImageRow{ID: int64(len(m.images)), Filename: filename}, nil
}

func (m *memStore) UpdateCompletion(_ context.Context, _ int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = &at
	return nil
}

func (m *memStore) UpdateLocation(_ context.Context, _ int64, lat, lon float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.location = [2]float64{lat, lon}
	return nil
}

func (m *memStore) imageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images)
}

// gateCamera blocks each capture until release is called, then writes
// the file or fails according to fail.
type gateCamera struct {
	mu       sync.Mutex
	fail     map[string]bool
	started  chan string
	releases chan error
}

func newGateCamera() *gateCamera {
	return &gateCamera{started: make(chan string, 64), releases: make(chan error, 64)}
}

func (c *gateCamera) Capture(ctx context.Context, path string) error {
	c.started <- path
	select {
	case err := <-c.releases:
		if err != nil {
			return err
		}
		return os.WriteFile(path, []byte{0xff, 0xd8}, 0o644)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type instantCamera struct{ err error }

func (c instantCamera) Capture(_ context.Context, path string) error {
	if c.err != nil {
		return c.err
	}
	return os.WriteFile(path, []byte{0xff, 0xd8}, 0o644)
}

type fixedLocation struct{}

func (fixedLocation) Locate(context.Context) (float64, float64, bool) { return 51.5, -0.12, true }

func newTestSession(t *testing.T, s Settings, cam Camera) (*Session, *memStore, *manualRunner) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "s7"), 0o755); err != nil {
		t.Fatal(err)
	}
	store := &memStore{root: root}
	runner := &manualRunner{}
	sess := NewSession(s, Deps{Camera: cam, Store: store, Runner: runner, Bus: eventbus.New(), Log: logx.Nop()})
	return sess, store, runner
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionStopsAfterCount(t *testing.T) {
	t.Parallel()

	sess, store, runner := newTestSession(t, Settings{Interval: time.Minute, Mode: StopAfterCount, Count: 3}, instantCamera{})
	if err := sess.Start(context.Background(), "moths", fixedLocation{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 10; i++ {
		waitFor(t, func() bool {
			st := sess.Status()
			return st.State == "STOPPED" || st.Images == i+1
		})
		runner.fire()
	}
	waitDone(t, sess)

	if got := store.imageCount(); got != 3 {
		t.Fatalf("images = %d, want 3", got)
	}
	if store.completed == nil {
		t.Fatal("completion not recorded")
	}
	if got := sess.Status(); got.Reason != "auto-stop" {
		t.Fatalf("reason = %q", got.Reason)
	}
	if store.images[0] != "000000.jpg" || store.images[2] != "000002.jpg" {
		t.Fatalf("filenames = %v", store.images)
	}
}

func TestSessionFailuresCountTowardsStop(t *testing.T) {
	t.Parallel()

	sess, store, runner := newTestSession(t, Settings{Interval: time.Minute, Mode: StopAfterCount, Count: 2},
		instantCamera{err: errors.New("sensor busy")})
	if err := sess.Start(context.Background(), "moths", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return sess.Status().Failures == 1 })
	runner.fire()
	waitDone(t, sess)

	st := sess.Status()
	if st.Failures != 2 || st.Images != 0 || store.imageCount() != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestSessionPastDeadlineStopsAfterOneCapture(t *testing.T) {
	t.Parallel()

	sess, store, _ := newTestSession(t, Settings{Interval: time.Minute, Mode: StopAtDeadline, Deadline: time.Now().Add(-time.Hour)}, instantCamera{})
	if err := sess.Start(context.Background(), "late", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, sess)
	if got := store.imageCount(); got != 1 {
		t.Fatalf("images = %d, want 1", got)
	}
}

func TestSessionDropsOverlappingTicks(t *testing.T) {
	t.Parallel()

	cam := newGateCamera()
	sess, store, runner := newTestSession(t, Settings{Interval: time.Second, Mode: StopOff}, cam)
	if err := sess.Start(context.Background(), "slow", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-cam.started

	runner.fire()
	runner.fire()
	if got := sess.Status().Dropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}

	cam.releases <- nil
	waitFor(t, func() bool { return store.imageCount() == 1 })
	runner.fire()
	if path := <-cam.started; filepath.Base(path) != "000001.jpg" {
		t.Fatalf("next capture path = %s", path)
	}
	cam.releases <- nil
	waitFor(t, func() bool { return store.imageCount() == 2 })

	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSessionStopDiscardsInFlightCapture(t *testing.T) {
	t.Parallel()

	cam := newGateCamera()
	sess, store, runner := newTestSession(t, Settings{Interval: time.Second, Mode: StopOff}, cam)
	if err := sess.Start(context.Background(), "x", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-cam.started

	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return !sess.inFlight
	})
	if got := store.imageCount(); got != 0 {
		t.Fatalf("images written after stop: %d", got)
	}
	runner.fire()
	select {
	case p := <-cam.started:
		t.Fatalf("capture started after stop: %s", p)
	default:
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	t.Parallel()

	sess, store, _ := newTestSession(t, Settings{Interval: time.Second, Mode: StopOff}, instantCamera{})
	if err := sess.Start(context.Background(), "x", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sess.Stop(context.Background())
		}()
	}
	wg.Wait()
	waitDone(t, sess)

	first := *store.completed
	if err := sess.Stop(context.Background()); err != nil {
		t.Fatalf("Stop again: %v", err)
	}
	if !store.completed.Equal(first) {
		t.Fatal("second stop rewrote completion")
	}
	if err := sess.Start(context.Background(), "again", nil); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("restart err = %v", err)
	}
}

func TestSessionStartFailsFast(t *testing.T) {
	t.Parallel()

	sess, store, runner := newTestSession(t, Settings{Interval: time.Second, Mode: StopOff}, instantCamera{})
	store.createErr = errors.New("mkdir denied")
	if err := sess.Start(context.Background(), "x", nil); err == nil {
		t.Fatal("expected start error")
	}
	if runner.fn != nil {
		t.Fatal("tick runner armed after failed start")
	}
	waitDone(t, sess)
}

func TestSessionRecordsLocation(t *testing.T) {
	t.Parallel()

	sess, store, _ := newTestSession(t, Settings{Interval: time.Second, Mode: StopOff}, instantCamera{})
	if err := sess.Start(context.Background(), "x", fixedLocation{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.location[0] == 51.5
	})
	_ = sess.Stop(context.Background())
}

func TestSessionUsesIntervalClock(t *testing.T) {
	t.Parallel()

	sess, _, runner := newTestSession(t, Settings{Interval: 30 * time.Second, Mode: StopOff}, instantCamera{})
	if err := sess.Start(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop(context.Background())

	clock, ok := runner.sched.(IntervalClock)
	if !ok {
		t.Fatalf("schedule type %T", runner.sched)
	}
	if clock.Interval != 30*time.Second || !clock.Origin.Equal(sess.Status().Started) {
		t.Fatalf("clock = %+v", clock)
	}
}
