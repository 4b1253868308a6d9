package scheduling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"automoth/internal/eventbus"
	"automoth/internal/imaging"
	"automoth/internal/storage"
	"automoth/pkg/logx"
)

// PendingStore persists pending sessions.
type PendingStore interface {
	InsertPending(ctx context.Context, p storage.PendingRow) (int64, error)
	GetPending(ctx context.Context, code int64) (storage.PendingRow, error)
	DeletePending(ctx context.Context, code int64) (bool, error)
	ListPending(ctx context.Context) ([]storage.PendingRow, error)
	EarliestPending(ctx context.Context) (storage.PendingRow, bool, error)
}

// Alarms is the one-shot timer facility. Fires are delivered to Fire by
// whoever owns the facility.
type Alarms interface {
	Arm(code int64, at time.Time, exact bool) error
	Disarm(code int64) bool
	Armed() []int64
}

type Deps struct {
	Pending  PendingStore
	Alarms   Alarms
	Location imaging.LocationSource

	// NewSession builds an idle capture session for settings.
	NewSession func(settings imaging.Settings) *imaging.Session

	Bus eventbus.Bus
	Log logx.Logger
	Now func() time.Time
}

// Request asks for a session to start at Start. Confirm accepts a request
// that an existing session would cancel.
type Request struct {
	Name     string
	Settings imaging.Settings
	Start    time.Time
	Confirm  bool
}

// Pending is a decoded pending session.
type Pending struct {
	RequestCode int64            `json:"request_code"`
	Name        string           `json:"name"`
	Start       time.Time        `json:"start"`
	Settings    imaging.Settings `json:"settings"`
}

// Result describes an accepted request.
type Result struct {
	Pending   Pending   `json:"pending"`
	Cancelled []Pending `json:"cancelled,omitempty"`
	// Doomed is set when the request was confirmed over a WillBeCancelled
	// verdict.
	Doomed *Verdict `json:"doomed,omitempty"`
}

// Scheduler serializes all changes to the pending set and the active slot
// behind one mutex.
type Scheduler struct {
	deps Deps
	log  logx.Logger

	mu     sync.Mutex
	active *imaging.Session
}

func New(deps Deps) *Scheduler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	return &Scheduler{deps: deps, log: deps.Log.Component("scheduling")}
}

func toPending(row storage.PendingRow) (Pending, error) {
	st, err := imaging.FromStored(row.Interval, row.StopMode, row.StopValue)
	if err != nil {
		return Pending{}, fmt.Errorf("pending #%d: %w", row.RequestCode, err)
	}
	return Pending{RequestCode: row.RequestCode, Name: row.Name, Start: row.Start, Settings: st}, nil
}

func (p Pending) occupant() Occupant {
	return Occupant{RequestCode: p.RequestCode, Name: p.Name, Start: p.Start, Settings: p.Settings}
}

func (s *Scheduler) publishPending(typ string, p Pending, reason string) {
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: eventbus.PendingInfo{
		RequestCode: p.RequestCode,
		Name:        p.Name,
		Start:       formatStart(p.Start),
		Reason:      reason,
	}})
}

// activeLocked returns the running session, clearing a slot whose session
// has already stopped.
func (s *Scheduler) activeLocked() *imaging.Session {
	if s.active == nil {
		return nil
	}
	select {
	case <-s.active.Done():
		s.active = nil
		return nil
	default:
		return s.active
	}
}

func (s *Scheduler) activeOccupantLocked() *Occupant {
	a := s.activeLocked()
	if a == nil {
		return nil
	}
	st := a.Status()
	return &Occupant{SessionID: st.SessionID, Name: st.Name, Start: st.Started, Settings: st.Settings, Active: true}
}

func (s *Scheduler) pendingLocked(ctx context.Context) ([]Pending, error) {
	rows, err := s.deps.Pending.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]Pending, 0, len(rows))
	for _, r := range rows {
		p, err := toPending(r)
		if err != nil {
			s.log.Warn("skipping unreadable pending session", logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CheckConflicts runs the resolver without changing anything.
func (s *Scheduler) CheckConflicts(ctx context.Context, start time.Time, settings imaging.Settings) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, err := s.pendingLocked(ctx)
	if err != nil {
		return Verdict{}, err
	}
	return s.resolveLocked(Occupant{Start: start, Settings: settings}, pending, nil), nil
}

func (s *Scheduler) resolveLocked(cand Occupant, pending []Pending, skip map[int64]bool) Verdict {
	occ := make([]Occupant, 0, len(pending))
	for _, p := range pending {
		if !skip[p.RequestCode] {
			occ = append(occ, p.occupant())
		}
	}
	var active *Occupant
	if !skip[0] {
		active = s.activeOccupantLocked()
	}
	return Resolve(cand, active, occ)
}

// RequestSchedule persists a pending session and arms its alarm. Pending
// sessions the request supersedes are cancelled first.
func (s *Scheduler) RequestSchedule(ctx context.Context, req Request) (Result, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Result{}, errors.New("session name must not be empty")
	}
	if !req.Start.After(s.deps.Now()) {
		return Result{}, fmt.Errorf("%w: %s", ErrStartNotInFuture, formatStart(req.Start))
	}
	if err := req.Settings.ValidateFrom(req.Start); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingLocked(ctx)
	if err != nil {
		return Result{}, err
	}
	cand := Occupant{Name: name, Start: req.Start, Settings: req.Settings}

	// A losing verdict is always reported before any winning one, so
	// nothing is mutated when the request is rejected.
	var (
		res    Result
		cancel []Pending
		skip   = map[int64]bool{}
	)
	for {
		v := s.resolveLocked(cand, pending, skip)
		if v.Kind == NoConflict {
			break
		}
		if v.Kind == WillBeCancelled {
			if !req.Confirm {
				return Result{}, &ConflictError{Verdict: v}
			}
			if res.Doomed == nil {
				vv := v
				res.Doomed = &vv
			}
			if v.Other.Active {
				skip[0] = true
			} else {
				skip[v.Other.RequestCode] = true
			}
			continue
		}
		for _, p := range pending {
			if p.RequestCode == v.Other.RequestCode {
				cancel = append(cancel, p)
			}
		}
		skip[v.Other.RequestCode] = true
	}

	for _, p := range cancel {
		if err := s.cancelLocked(ctx, p, "superseded"); err != nil {
			return res, fmt.Errorf("cancel superseded #%d: %w", p.RequestCode, err)
		}
		res.Cancelled = append(res.Cancelled, p)
	}

	row := storage.PendingRow{
		Name:      name,
		Start:     req.Start,
		Interval:  req.Settings.Interval,
		StopMode:  string(req.Settings.Mode),
		StopValue: req.Settings.StopValue(),
	}
	code, err := s.deps.Pending.InsertPending(ctx, row)
	if err != nil {
		return res, fmt.Errorf("persist pending session: %w", err)
	}
	p := Pending{RequestCode: code, Name: name, Start: req.Start, Settings: req.Settings}
	if err := s.deps.Alarms.Arm(code, req.Start, true); err != nil {
		if _, derr := s.deps.Pending.DeletePending(ctx, code); derr != nil {
			err = errors.Join(err, fmt.Errorf("remove unarmed pending #%d: %w", code, derr))
		}
		return res, fmt.Errorf("arm alarm: %w", err)
	}
	res.Pending = p

	s.log.Info("session scheduled", logx.Int64("request_code", code), logx.String("name", name),
		logx.Time("start", req.Start), logx.String("settings", req.Settings.String()), logx.Int("superseded", len(res.Cancelled)))
	s.publishPending(eventbus.PendingAdded, p, "")
	return res, nil
}

// Cancel disarms and deletes a pending session. It reports false when the
// session no longer exists.
func (s *Scheduler) Cancel(ctx context.Context, code int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.deps.Pending.GetPending(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		s.deps.Alarms.Disarm(code)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup pending #%d: %w", code, err)
	}
	p := Pending{RequestCode: row.RequestCode, Name: row.Name, Start: row.Start}
	if err := s.cancelLocked(ctx, p, "cancelled"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) cancelLocked(ctx context.Context, p Pending, reason string) error {
	s.deps.Alarms.Disarm(p.RequestCode)
	if _, err := s.deps.Pending.DeletePending(ctx, p.RequestCode); err != nil {
		return fmt.Errorf("delete pending #%d: %w", p.RequestCode, err)
	}
	s.log.Info("pending session cancelled", logx.Int64("request_code", p.RequestCode), logx.String("name", p.Name), logx.String("reason", reason))
	s.publishPending(eventbus.PendingCanceled, p, reason)
	return nil
}

// Fire is the alarm callback. An unknown code is a stale fire and is
// ignored.
func (s *Scheduler) Fire(ctx context.Context, code int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(ctx, code)
}

func (s *Scheduler) fireLocked(ctx context.Context, code int64) error {
	row, err := s.deps.Pending.GetPending(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("ignoring alarm", logx.Int64("request_code", code), logx.Err(ErrStaleTimerFire))
		s.publishPending(eventbus.PendingStale, Pending{RequestCode: code}, "")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup pending #%d: %w", code, err)
	}

	// The row goes first so a crash after this point cannot start the
	// session twice.
	if _, err := s.deps.Pending.DeletePending(ctx, code); err != nil {
		return fmt.Errorf("delete fired pending #%d: %w", code, err)
	}
	s.deps.Alarms.Disarm(code)

	p, err := toPending(row)
	if err != nil {
		s.log.Warn("dropping fired session with invalid settings", logx.Err(err))
		s.publishPending(eventbus.PendingDropped, Pending{RequestCode: code, Name: row.Name, Start: row.Start}, err.Error())
		return nil
	}
	if a := s.activeLocked(); a != nil {
		st := a.Status()
		s.log.Warn("dropping fired session: another session is running",
			logx.Int64("request_code", code), logx.String("name", p.Name), logx.Int64("active_session_id", st.SessionID))
		s.publishPending(eventbus.PendingDropped, p, "session running")
		return nil
	}

	s.publishPending(eventbus.PendingFired, p, "")
	if _, err := s.startLocked(ctx, p.Name, p.Settings); err != nil {
		s.publishPending(eventbus.PendingDropped, p, err.Error())
		return fmt.Errorf("start fired session #%d: %w", code, err)
	}
	return nil
}

func (s *Scheduler) startLocked(ctx context.Context, name string, settings imaging.Settings) (*imaging.Session, error) {
	sess := s.deps.NewSession(settings)
	if err := sess.Start(ctx, name, s.deps.Location); err != nil {
		return nil, err
	}
	s.active = sess
	go s.watch(sess)
	return sess, nil
}

// watch frees the active slot once sess stops.
func (s *Scheduler) watch(sess *imaging.Session) {
	<-sess.Done()
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}

// StartNow starts a session immediately.
func (s *Scheduler) StartNow(ctx context.Context, name string, settings imaging.Settings) (imaging.Status, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return imaging.Status{}, errors.New("session name must not be empty")
	}
	if err := settings.ValidateFrom(s.deps.Now()); err != nil {
		return imaging.Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked() != nil {
		return imaging.Status{}, ErrSessionActive
	}
	sess, err := s.startLocked(ctx, name, settings)
	if err != nil {
		return imaging.Status{}, err
	}
	return sess.Status(), nil
}

// StopActive stops the running session and returns its final status.
// The slot stays taken until the session is done, so nothing can start
// while the old session is still winding down.
func (s *Scheduler) StopActive(ctx context.Context) (imaging.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.activeLocked()
	if a == nil {
		return imaging.Status{}, ErrNoActiveSession
	}
	err := a.Stop(ctx)
	select {
	case <-a.Done():
		s.active = nil
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return a.Status(), err
}

// Active reports the running session.
func (s *Scheduler) Active() (imaging.Status, bool) {
	s.mu.Lock()
	a := s.activeLocked()
	s.mu.Unlock()
	if a == nil {
		return imaging.Status{}, false
	}
	return a.Status(), true
}

// Pending lists pending sessions by ascending start.
func (s *Scheduler) Pending(ctx context.Context) ([]Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(ctx)
}

func (s *Scheduler) Earliest(ctx context.Context) (Pending, bool, error) {
	row, ok, err := s.deps.Pending.EarliestPending(ctx)
	if err != nil || !ok {
		return Pending{}, false, err
	}
	p, err := toPending(row)
	return p, err == nil, err
}

// ReconcileReport summarizes a Reconcile pass. Fired holds the overdue
// requests that were handled without error.
type ReconcileReport struct {
	Fired    []int64 `json:"fired,omitempty"`
	Rearmed  []int64 `json:"rearmed,omitempty"`
	Disarmed []int64 `json:"disarmed,omitempty"`
}

// Reconcile brings alarms in line with the pending store: overdue sessions
// fire now in start order, future ones missing an alarm are re-armed, and
// alarms without a row are disarmed.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep ReconcileReport
	rows, err := s.deps.Pending.ListPending(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending: %w", err)
	}
	armed := s.deps.Alarms.Armed()
	now := s.deps.Now()

	var errs []error
	known := make(map[int64]bool, len(rows))
	for _, r := range rows {
		known[r.RequestCode] = true
		if !r.Start.After(now) {
			if err := s.fireLocked(ctx, r.RequestCode); err != nil {
				errs = append(errs, err)
				continue
			}
			rep.Fired = append(rep.Fired, r.RequestCode)
			continue
		}
		if slices.Contains(armed, r.RequestCode) {
			continue
		}
		if err := s.deps.Alarms.Arm(r.RequestCode, r.Start, true); err != nil {
			errs = append(errs, fmt.Errorf("re-arm #%d: %w", r.RequestCode, err))
			continue
		}
		rep.Rearmed = append(rep.Rearmed, r.RequestCode)
	}
	for _, code := range armed {
		if !known[code] && s.deps.Alarms.Disarm(code) {
			rep.Disarmed = append(rep.Disarmed, code)
		}
	}

	if len(rep.Fired)+len(rep.Rearmed)+len(rep.Disarmed) > 0 {
		s.log.Info("pending sessions reconciled", logx.Any("fired", rep.Fired), logx.Any("rearmed", rep.Rearmed), logx.Any("disarmed", rep.Disarmed))
	}
	return rep, errors.Join(errs...)
}
