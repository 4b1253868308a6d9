package scheduling

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"automoth/internal/eventbus"
	"automoth/internal/imaging"
	"automoth/internal/repository"
	"automoth/internal/storage"
	"automoth/pkg/logx"
)

type fakeAlarms struct {
	mu     sync.Mutex
	armed  map[int64]time.Time
	armErr error
}

func newFakeAlarms() *fakeAlarms { return &fakeAlarms{armed: map[int64]time.Time{}} }

func (f *fakeAlarms) Arm(code int64, at time.Time, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.armed[code] = at
	return nil
}

func (f *fakeAlarms) Disarm(code int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[code]
	delete(f.armed, code)
	return ok
}

func (f *fakeAlarms) Armed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.armed))
	for c := range f.armed {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// idleRunner never ticks; sessions take only their first capture.
type idleRunner struct{}

func (idleRunner) Schedule(cron.Schedule, func()) func() { return func() {} }

type fileCamera struct{}

func (fileCamera) Capture(_ context.Context, path string) error {
	return os.WriteFile(path, []byte("jpeg"), 0o644)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gatedStore wraps the repository so tests can fail session creation or
// hold the first image insert until release is closed.
type gatedStore struct {
	*repository.Repository
	createErr error
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (g *gatedStore) CreateSession(ctx context.Context, name string, started time.Time, interval time.Duration) (storage.SessionRow, error) {
	if g.createErr != nil {
		return storage.SessionRow{}, g.createErr
	}
	return g.Repository.CreateSession(ctx, name, started, interval)
}

func (g *gatedStore) InsertImage(ctx context.Context, sessionID int64, filename string, taken time.Time) (storage.ImageRow, error) {
	if g.release != nil {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Repository.InsertImage(ctx, sessionID, filename, taken)
}

type fixture struct {
	db     *storage.DB
	repo   *repository.Repository
	store  imaging.Store
	alarms *fakeAlarms
	bus    eventbus.Bus
	clock  *testClock
	sched  *Scheduler

	mu       sync.Mutex
	sessions []*imaging.Session
}

func newFixture(t *testing.T, dbPath string) *fixture {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "index.db")
	}
	db, err := storage.Open(context.Background(), storage.Config{Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:     db,
		repo:   repository.New(filepath.Join(filepath.Dir(dbPath), "sessions"), db, logx.Nop()),
		alarms: newFakeAlarms(),
		bus:    eventbus.New(),
		clock:  &testClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.sched = f.build()
	t.Cleanup(func() { _, _ = f.sched.StopActive(context.Background()) })
	return f
}

func (f *fixture) build() *Scheduler {
	clock := f.clock.Now
	var store imaging.Store = f.repo
	if f.store != nil {
		store = f.store
	}
	return New(Deps{
		Pending: f.db,
		Alarms:  f.alarms,
		NewSession: func(st imaging.Settings) *imaging.Session {
			sess := imaging.NewSession(st, imaging.Deps{
				Camera: fileCamera{},
				Store:  store,
				Runner: idleRunner{},
				Bus:    f.bus,
				Log:    logx.Nop(),
				Now:    clock,
			})
			f.mu.Lock()
			f.sessions = append(f.sessions, sess)
			f.mu.Unlock()
			return sess
		},
		Bus: f.bus,
		Log: logx.Nop(),
		Now: clock,
	})
}

func minutes(n int) imaging.Settings {
	return imaging.Settings{Interval: 10 * time.Second, Mode: imaging.StopAfterTime, Elapsed: time.Duration(n) * time.Minute}
}

func (f *fixture) schedule(t *testing.T, name string, in time.Duration, st imaging.Settings, confirm bool) (Result, error) {
	t.Helper()
	return f.sched.RequestSchedule(context.Background(), Request{Name: name, Settings: st, Start: f.clock.Now().Add(in), Confirm: confirm})
}

func TestRequestScheduleRejectsPastStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	for _, in := range []time.Duration{0, -time.Minute} {
		if _, err := f.schedule(t, "x", in, minutes(5), false); !errors.Is(err, ErrStartNotInFuture) {
			t.Fatalf("in=%v: err = %v", in, err)
		}
	}
}

func TestRequestSchedulePersistsAndArms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	res, err := f.schedule(t, "night", time.Hour, minutes(30), false)
	if err != nil {
		t.Fatal(err)
	}
	code := res.Pending.RequestCode
	if got := f.alarms.Armed(); !slices.Equal(got, []int64{code}) {
		t.Fatalf("armed = %v", got)
	}
	pending, err := f.sched.Pending(context.Background())
	if err != nil || len(pending) != 1 || pending[0].Settings.Elapsed != 30*time.Minute {
		t.Fatalf("pending = %+v, %v", pending, err)
	}
}

func TestConflictRejectedWithoutConfirm(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	a, err := f.schedule(t, "A", time.Hour, minutes(100), false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.schedule(t, "B", time.Hour+50*time.Minute, minutes(100), false)
	var ce *ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, ErrConflictRejected) {
		t.Fatalf("err = %v", err)
	}
	if ce.Verdict.Kind != WillBeCancelled || ce.Verdict.Other.RequestCode != a.Pending.RequestCode {
		t.Fatalf("verdict = %+v", ce.Verdict)
	}
	if pending, _ := f.sched.Pending(context.Background()); len(pending) != 1 {
		t.Fatalf("pending mutated: %+v", pending)
	}

	res, err := f.schedule(t, "B", time.Hour+50*time.Minute, minutes(100), true)
	if err != nil || res.Doomed == nil {
		t.Fatalf("confirmed = %+v, %v", res, err)
	}
	if pending, _ := f.sched.Pending(context.Background()); len(pending) != 2 {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestEarlierRequestCancelsAllLaterConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	b, _ := f.schedule(t, "B", 2*time.Hour, minutes(10), false)
	c, _ := f.schedule(t, "C", 3*time.Hour, minutes(10), false)
	d, _ := f.schedule(t, "D", 10*time.Hour, minutes(10), false)

	res, err := f.schedule(t, "A", time.Hour, minutes(180), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cancelled) != 2 {
		t.Fatalf("cancelled = %+v", res.Cancelled)
	}
	armed := f.alarms.Armed()
	if slices.Contains(armed, b.Pending.RequestCode) || slices.Contains(armed, c.Pending.RequestCode) {
		t.Fatalf("superseded alarms still armed: %v", armed)
	}
	if !slices.Contains(armed, d.Pending.RequestCode) || !slices.Contains(armed, res.Pending.RequestCode) {
		t.Fatalf("armed = %v", armed)
	}
}

func TestArmFailureRemovesRow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.alarms.armErr = errors.New("no alarms")
	if _, err := f.schedule(t, "x", time.Hour, minutes(5), false); err == nil {
		t.Fatal("expected error")
	}
	if pending, _ := f.sched.Pending(context.Background()); len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	res, _ := f.schedule(t, "x", time.Hour, minutes(5), false)
	ctx := context.Background()

	ok, err := f.sched.Cancel(ctx, res.Pending.RequestCode)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if len(f.alarms.Armed()) != 0 {
		t.Fatal("alarm still armed")
	}
	ok, err = f.sched.Cancel(ctx, res.Pending.RequestCode)
	if err != nil || ok {
		t.Fatalf("second Cancel = %v, %v", ok, err)
	}
}

func TestFireStartsSessionAndStaleFireIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	res, _ := f.schedule(t, "dusk", time.Hour, minutes(5), false)
	code := res.Pending.RequestCode
	f.clock.Add(time.Hour)

	if err := f.sched.Fire(ctx, code); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	st, ok := f.sched.Active()
	if !ok || st.Name != "dusk" {
		t.Fatalf("active = %+v, %v", st, ok)
	}
	if pending, _ := f.sched.Pending(ctx); len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}

	if err := f.sched.Fire(ctx, code); err != nil {
		t.Fatalf("stale Fire returned %v", err)
	}
	if !sawEvent(events, eventbus.PendingStale) {
		t.Fatal("no stale event")
	}
}

func TestFireWhileActiveDropsFiredSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	res, _ := f.schedule(t, "later", time.Hour, minutes(5), false)
	if _, err := f.sched.StartNow(ctx, "now", imaging.Settings{Interval: time.Second, Mode: imaging.StopOff}); err != nil {
		t.Fatal(err)
	}
	f.clock.Add(time.Hour)
	if err := f.sched.Fire(ctx, res.Pending.RequestCode); err != nil {
		t.Fatal(err)
	}
	st, _ := f.sched.Active()
	if st.Name != "now" {
		t.Fatalf("active = %+v", st)
	}
	if pending, _ := f.sched.Pending(ctx); len(pending) != 0 {
		t.Fatalf("dropped session still pending: %+v", pending)
	}
	if !sawEvent(events, eventbus.PendingDropped) {
		t.Fatal("no dropped event")
	}
}

func TestStartNowRejectsSecondSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	off := imaging.Settings{Interval: time.Second, Mode: imaging.StopOff}
	if _, err := f.sched.StartNow(ctx, "one", off); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.StartNow(ctx, "two", off); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.sched.StopActive(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.sched.Active(); ok {
		t.Fatal("still active after stop")
	}
	if _, err := f.sched.StopActive(ctx); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("err = %v", err)
	}
}

func TestStopActiveKeepsSlotUntilSessionStopped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	gate := &gatedStore{Repository: f.repo, entered: make(chan struct{}), release: make(chan struct{})}
	f.store = gate
	f.sched = f.build()
	ctx := context.Background()
	off := imaging.Settings{Interval: time.Second, Mode: imaging.StopOff}

	if _, err := f.sched.StartNow(ctx, "first", off); err != nil {
		t.Fatal(err)
	}
	// The first capture now holds the session lock inside the insert.
	<-gate.entered

	stopped := make(chan error, 1)
	go func() {
		_, err := f.sched.StopActive(ctx)
		stopped <- err
	}()
	time.Sleep(20 * time.Millisecond)

	started := make(chan error, 1)
	go func() {
		_, err := f.sched.StartNow(ctx, "second", off)
		started <- err
	}()
	time.Sleep(20 * time.Millisecond)

	f.mu.Lock()
	n := len(f.sessions)
	f.mu.Unlock()
	if n != 1 {
		t.Fatalf("second session created while the first is stopping (%d sessions)", n)
	}

	close(gate.release)
	if err := <-stopped; err != nil {
		t.Fatalf("StopActive: %v", err)
	}
	err := <-started
	if err != nil && !errors.Is(err, ErrSessionActive) {
		t.Fatalf("StartNow: %v", err)
	}
	if err == nil {
		select {
		case <-f.sessions[0].Done():
		default:
			t.Fatal("second session started before the first stopped")
		}
	}
}

func TestActiveSessionBlocksOverlappingSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	if _, err := f.sched.StartNow(ctx, "run", minutes(60)); err != nil {
		t.Fatal(err)
	}
	_, err := f.schedule(t, "x", 30*time.Minute, minutes(5), false)
	var ce *ConflictError
	if !errors.As(err, &ce) || !ce.Verdict.Other.Active {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.schedule(t, "y", 2*time.Hour, minutes(5), false); err != nil {
		t.Fatalf("non-overlapping: %v", err)
	}
}

func TestReconcileAfterRestart(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	f := newFixture(t, dbPath)
	ctx := context.Background()

	overdue, _ := f.schedule(t, "overdue", time.Minute, minutes(5), false)
	future, _ := f.schedule(t, "future", 5*time.Hour, minutes(5), false)

	// Simulate a restart: alarms are gone, one unknown alarm is left over.
	f.alarms = newFakeAlarms()
	_ = f.alarms.Arm(999, f.clock.Now().Add(time.Hour), true)
	f.clock.Add(10 * time.Minute)
	f.sched = f.build()

	rep, err := f.sched.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(rep.Fired, []int64{overdue.Pending.RequestCode}) ||
		!slices.Equal(rep.Rearmed, []int64{future.Pending.RequestCode}) ||
		!slices.Equal(rep.Disarmed, []int64{999}) {
		t.Fatalf("report = %+v", rep)
	}
	if st, ok := f.sched.Active(); !ok || st.Name != "overdue" {
		t.Fatalf("active = %+v", st)
	}
	if got := f.alarms.Armed(); !slices.Equal(got, []int64{future.Pending.RequestCode}) {
		t.Fatalf("armed = %v", got)
	}

	// A second pass changes nothing.
	rep, err = f.sched.Reconcile(ctx)
	if err != nil || len(rep.Fired)+len(rep.Rearmed)+len(rep.Disarmed) != 0 {
		t.Fatalf("second pass = %+v, %v", rep, err)
	}
}

func TestEarliest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	if _, ok, err := f.sched.Earliest(ctx); ok || err != nil {
		t.Fatalf("empty Earliest = %v, %v", ok, err)
	}
	_, _ = f.schedule(t, "late", 5*time.Hour, minutes(5), false)
	early, _ := f.schedule(t, "early", time.Hour, minutes(5), false)
	p, ok, err := f.sched.Earliest(ctx)
	if err != nil || !ok || p.RequestCode != early.Pending.RequestCode {
		t.Fatalf("Earliest = %+v, %v, %v", p, ok, err)
	}
}

func sawEvent(ch <-chan eventbus.Event, typ string) bool {
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return true
			}
		default:
			return false
		}
	}
}

func TestReconcileReportsOnlyStartedFires(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	res, _ := f.schedule(t, "broken", time.Minute, minutes(5), false)
	f.store = &gatedStore{Repository: f.repo, createErr: errors.New("disk full")}
	f.sched = f.build()
	f.clock.Add(5 * time.Minute)

	rep, err := f.sched.Reconcile(ctx)
	if err == nil {
		t.Fatal("failed start not reported")
	}
	if len(rep.Fired) != 0 {
		t.Fatalf("fired = %v, want none", rep.Fired)
	}
	if _, ok := f.sched.Active(); ok {
		t.Fatal("session active after failed start")
	}
	if pending, _ := f.sched.Pending(ctx); len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}
	if !sawEvent(events, eventbus.PendingDropped) {
		t.Fatalf("no dropped event for #%d", res.Pending.RequestCode)
	}
}
