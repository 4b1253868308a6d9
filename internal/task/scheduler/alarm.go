package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"automoth/internal/task/engine"
	"automoth/pkg/logx"
)

// Arm schedules a one-shot alarm for code, replacing any alarm already armed
// under that code. A time in the past fires immediately.
func (s *Service) Arm(code int64, at time.Time, exact bool) error {
	if at.IsZero() {
		return errors.New("alarm time required")
	}
	s.mu.Lock()
	win := s.cfg.InexactWindow
	s.mu.Unlock()

	s.amu.Lock()
	defer s.amu.Unlock()
	if old, ok := s.alarms[code]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.aver++
	a := &alarm{at: effectiveAt(at, exact, win), want: at, exact: exact, ver: s.aver}
	s.alarms[code] = a
	if s.running {
		s.startTimerLocked(code, a)
	}
	s.log.Debug("alarm armed", logx.Int64("code", code), logx.Time("at", a.at), logx.Bool("exact", exact))
	return nil
}

// Disarm removes the alarm for code and reports whether one was armed.
func (s *Service) Disarm(code int64) bool {
	s.amu.Lock()
	defer s.amu.Unlock()
	a, ok := s.alarms[code]
	if !ok {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(s.alarms, code)
	s.log.Debug("alarm disarmed", logx.Int64("code", code))
	return true
}

// Armed lists armed alarm codes in ascending order.
func (s *Service) Armed() []int64 {
	s.amu.Lock()
	out := make([]int64, 0, len(s.alarms))
	for code := range s.alarms {
		out = append(out, code)
	}
	s.amu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) alarmInfos() []AlarmInfo {
	s.amu.Lock()
	out := make([]AlarmInfo, 0, len(s.alarms))
	for code, a := range s.alarms {
		out = append(out, AlarmInfo{Code: code, At: a.at, Requested: a.want, Exact: a.exact})
	}
	s.amu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// effectiveAt rounds inexact alarms up to the next window boundary.
func effectiveAt(at time.Time, exact bool, window time.Duration) time.Time {
	if exact || window <= 0 {
		return at
	}
	t := at.Truncate(window)
	if t.Before(at) {
		t = t.Add(window)
	}
	return t
}

func (s *Service) rearmAll() {
	s.mu.Lock()
	win := s.cfg.InexactWindow
	s.mu.Unlock()

	s.amu.Lock()
	defer s.amu.Unlock()
	for code, a := range s.alarms {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.at = effectiveAt(a.want, a.exact, win)
		if s.running {
			s.startTimerLocked(code, a)
		}
	}
}

// startTimerLocked must be called with s.amu held.
func (s *Service) startTimerLocked(code int64, a *alarm) {
	ver := a.ver
	delay := max(time.Until(a.at), 0)
	a.timer = time.AfterFunc(delay, func() { s.onAlarm(code, ver) })
}

func (s *Service) onAlarm(code int64, ver uint64) {
	s.amu.Lock()
	a, ok := s.alarms[code]
	if !ok || a.ver != ver {
		// Disarmed or replaced after the timer was created.
		s.amu.Unlock()
		return
	}
	delete(s.alarms, code)
	fire := s.fire
	s.amu.Unlock()

	name := fmt.Sprintf("alarm:%d", code)
	if fire == nil {
		s.log.Warn("alarm fired with no handler", logx.Int64("code", code))
		return
	}
	if s.engine == nil {
		s.reportEnqueueError(name, engine.ErrStopped)
		return
	}
	s.mu.Lock()
	timeout := s.cfg.FireTimeout
	s.mu.Unlock()
	_, err := s.engine.Submit(engine.Task{
		Name:    name,
		Timeout: timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run:     func(ctx context.Context) error { return fire(ctx, code) },
	})
	if err != nil {
		s.reportEnqueueError(name, err)
	}
}
