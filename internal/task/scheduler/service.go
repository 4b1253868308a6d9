package scheduler

import (
	"context"
	"strings"
	"time"

	"automoth/internal/eventbus"
	"automoth/internal/task/engine"
	"automoth/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log.Component("scheduler"),
		bus:         bus,
		engine:      eng,
		parser:      specParser,
		alarms:      map[int64]*alarm{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// SetHandler installs the alarm callback. Alarms that fire with no handler
// are logged and dropped.
func (s *Service) SetHandler(fn FireFunc) {
	s.amu.Lock()
	s.fire = fn
	s.amu.Unlock()
}

// Apply updates the configuration. A timezone change restarts cron; a
// window change re-arms pending alarms.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldWin := s.cfg.InexactWindow
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
	s.mu.Unlock()

	if oldWin != cfg.InexactWindow {
		s.rearmAll()
	}
}

// Start starts cron triggering and arms timers for stored alarms.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = s.newCronLocked(loc)
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	n := len(s.defs)
	s.mu.Unlock()

	s.amu.Lock()
	s.running = true
	s.amu.Unlock()
	s.rearmAll()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", n), logx.Int("alarms", len(s.Armed())))
}

// Stop stops cron and all timers. Alarm definitions remain so they resume
// on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.amu.Lock()
	s.running = false
	for _, a := range s.alarms {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
	}
	s.amu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) newCronLocked(loc *time.Location) *cron.Cron {
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(logx.CronLogger(s.log)),
	)
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = s.newCronLocked(loc)
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
