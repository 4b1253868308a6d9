package imaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"automoth/internal/eventbus"
	"automoth/internal/storage"
	"automoth/pkg/logx"
)

var (
	ErrCaptureFailed = errors.New("capture failed")
	ErrNotIdle       = errors.New("capture session already started")
)

type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	default:
		return "STOPPED"
	}
}

// Camera writes one image to path.
type Camera interface {
	Capture(ctx context.Context, path string) error
}

// LocationSource resolves the device position once. ok is false when no
// fix was obtained in time.
type LocationSource interface {
	Locate(ctx context.Context) (lat, lon float64, ok bool)
}

// Store is the repository subset a session writes through.
type Store interface {
	CreateSession(ctx context.Context, name string, started time.Time, interval time.Duration) (storage.SessionRow, error)
	Dir(s storage.SessionRow) string
	InsertImage(ctx context.Context, sessionID int64, filename string, taken time.Time) (storage.ImageRow, error)
	UpdateCompletion(ctx context.Context, id int64, completed time.Time) error
	UpdateLocation(ctx context.Context, id int64, lat, lon float64) error
}

// TickRunner invokes fn at the times produced by sched until the returned
// stop func is called.
type TickRunner interface {
	Schedule(sched cron.Schedule, fn func()) (stop func())
}

// CronRunner runs ticks on a dedicated robfig/cron instance.
type CronRunner struct {
	Log      logx.Logger
	Location *time.Location
}

func (r CronRunner) Schedule(sched cron.Schedule, fn func()) func() {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	cl := logx.CronLogger(r.Log)
	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	c.Schedule(sched, cron.FuncJob(fn))
	c.Start()
	return func() { <-c.Stop().Done() }
}

// Deps are the collaborators of a capture session.
type Deps struct {
	Camera Camera
	Store  Store
	Runner TickRunner
	Bus    eventbus.Bus
	Log    logx.Logger
	Now    func() time.Time
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID int64     `json:"session_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Started   time.Time `json:"started"`
	Settings  Settings  `json:"settings"`
	Images    int       `json:"images"`
	Failures  int       `json:"failures"`
	Dropped   int       `json:"dropped"`
	Reason    string    `json:"reason,omitempty"`
}

// Session runs one capture loop: IDLE -> RUNNING -> STOPPED. A stopped
// session is never restarted.
type Session struct {
	settings Settings
	deps     Deps
	log      logx.Logger

	mu       sync.Mutex
	state    State
	row      storage.SessionRow
	dir      string
	ctx      context.Context
	cancel   context.CancelFunc
	stopTick func()
	seq      int
	images   int
	failures int
	dropped  int
	inFlight bool
	reason   string

	done chan struct{}
}

func NewSession(settings Settings, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Runner == nil {
		deps.Runner = CronRunner{Log: deps.Log}
	}
	return &Session{
		settings: settings,
		deps:     deps,
		log:      deps.Log.Component("capture"),
		done:     make(chan struct{}),
	}
}

// Start creates the session resource and arms the capture loop. The
// first capture is taken immediately.
func (s *Session) Start(ctx context.Context, name string, loc LocationSource) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.mu.Unlock()

	if err := s.settings.Validate(); err != nil {
		s.abort()
		return err
	}

	started := s.deps.Now()
	row, err := s.deps.Store.CreateSession(ctx, name, started, s.settings.Interval)
	if err != nil {
		s.abort()
		return err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != Idle {
		// Stopped while the resource was being created.
		s.mu.Unlock()
		cancel()
		if err := s.deps.Store.UpdateCompletion(ctx, row.ID, s.deps.Now()); err != nil {
			s.log.Warn("record completion failed", logx.Int64("session_id", row.ID), logx.Err(err))
		}
		return ErrNotIdle
	}
	s.row = row
	s.dir = s.deps.Store.Dir(row)
	s.ctx, s.cancel = sctx, cancel
	s.state = Running
	s.log = s.log.With(logx.Int64("session_id", row.ID))
	s.stopTick = s.deps.Runner.Schedule(IntervalClock{Origin: started, Interval: s.settings.Interval}, s.tick)
	s.mu.Unlock()

	if loc != nil {
		go s.resolveLocation(sctx, loc)
	}

	s.log.Info("capture session started", logx.String("name", row.Name), logx.String("settings", s.settings.String()))
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.SessionStarted, Data: eventbus.SessionInfo{SessionID: row.ID, Name: row.Name}})

	s.tick()
	return nil
}

func (s *Session) abort() {
	s.mu.Lock()
	if s.state == Idle {
		s.state = Stopped
		close(s.done)
	}
	s.mu.Unlock()
}

func (s *Session) resolveLocation(ctx context.Context, loc LocationSource) {
	lat, lon, ok := loc.Locate(ctx)
	if !ok {
		s.log.Debug("no location fix for session")
		return
	}
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateLocation(wctx, s.row.ID, lat, lon); err != nil {
		s.log.Warn("persist session location failed", logx.Err(err))
	}
}

// tick starts one capture unless the previous one is still running.
func (s *Session) tick() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		s.log.Warn("tick dropped: capture still in flight", logx.Int("dropped", dropped))
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.CaptureDropped, Data: s.info("")})
		return
	}
	s.inFlight = true
	seq := s.seq
	s.seq++
	ctx := s.ctx
	path := filepath.Join(s.dir, fmt.Sprintf("%06d.jpg", seq))
	s.mu.Unlock()

	go func() {
		err := s.deps.Camera.Capture(ctx, path)
		s.complete(seq, path, err)
	}()
}

func (s *Session) complete(seq int, path string, capErr error) {
	s.mu.Lock()
	s.inFlight = false
	if s.state != Running {
		s.mu.Unlock()
		if capErr == nil {
			_ = os.Remove(path)
		}
		s.log.Debug("discarding capture completed after stop", logx.Int("seq", seq))
		return
	}

	if capErr == nil {
		// The lock is held across the insert so Stop cannot complete the
		// session while a row is being written.
		_, capErr = s.deps.Store.InsertImage(s.ctx, s.row.ID, filepath.Base(path), s.deps.Now())
		if capErr != nil {
			_ = os.Remove(path)
			capErr = fmt.Errorf("record image: %w", capErr)
		}
	}
	if capErr == nil {
		s.images++
	} else {
		s.failures++
	}
	taken := s.images + s.failures
	var finish func(context.Context) error
	if ShouldStop(s.settings, taken, s.row.Started, s.deps.Now()) {
		// Marked under the same lock so no further tick can start a capture.
		finish = s.markStoppedLocked("auto-stop")
	}
	info := s.info("")
	s.mu.Unlock()

	if capErr != nil {
		err := fmt.Errorf("%w: seq %d: %w", ErrCaptureFailed, seq, capErr)
		s.log.Warn("capture failed", logx.Int("seq", seq), logx.Err(err))
		info.Error = err.Error()
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.CaptureFailed, Data: info})
	} else {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ImageSaved, Data: info})
	}

	if finish != nil {
		if err := finish(context.Background()); err != nil {
			s.log.Warn("auto-stop failed", logx.Err(err))
		}
	}
}

// Stop disarms the loop and records completion. Calling it again, or on
// a session that never started, does nothing.
func (s *Session) Stop(ctx context.Context) error {
	return s.stop(ctx, "requested")
}

func (s *Session) stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	finish := s.markStoppedLocked(reason)
	s.mu.Unlock()
	if finish == nil {
		return nil
	}
	return finish(ctx)
}

// markStoppedLocked moves the session to STOPPED and returns the teardown
// to run without the lock, or nil when there is nothing to tear down.
func (s *Session) markStoppedLocked(reason string) func(context.Context) error {
	switch s.state {
	case Idle:
		s.state = Stopped
		close(s.done)
		return nil
	case Stopped:
		return nil
	}
	s.state = Stopped
	s.reason = reason
	stopTick, cancel := s.stopTick, s.cancel
	id := s.row.ID
	info := s.info(reason)

	return func(ctx context.Context) error {
		stopTick()
		cancel()
		err := s.deps.Store.UpdateCompletion(ctx, id, s.deps.Now())
		close(s.done)

		s.log.Info("capture session stopped", logx.String("reason", reason),
			logx.Int("images", info.Images), logx.Int("failures", info.Failures), logx.Int("dropped", info.Dropped))
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.SessionStopped, Data: info})
		if err != nil {
			return fmt.Errorf("record completion: %w", err)
		}
		return nil
	}
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Settings() Settings { return s.settings }

// info must be called with mu held.
func (s *Session) info(reason string) eventbus.SessionInfo {
	return eventbus.SessionInfo{
		SessionID: s.row.ID,
		Name:      s.row.Name,
		Images:    s.images,
		Failures:  s.failures,
		Dropped:   s.dropped,
		Reason:    reason,
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID: s.row.ID,
		Name:      s.row.Name,
		State:     s.state.String(),
		Started:   s.row.Started,
		Settings:  s.settings,
		Images:    s.images,
		Failures:  s.failures,
		Dropped:   s.dropped,
		Reason:    s.reason,
	}
}
